package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dukerupert/keygate/internal/email"
	"github.com/dukerupert/keygate/internal/websocket"
)

// EmailSink mails the customer. Events without a customer address are
// skipped.
type EmailSink struct {
	client    *email.Client
	templates map[string]Template
}

// NewEmailSink uses DefaultTemplates for any kind missing from overrides.
func NewEmailSink(client *email.Client, overrides map[string]Template) *EmailSink {
	templates := make(map[string]Template, len(DefaultTemplates))
	for k, v := range DefaultTemplates {
		templates[k] = v
	}
	for k, v := range overrides {
		templates[k] = v
	}
	return &EmailSink{client: client, templates: templates}
}

func (s *EmailSink) Name() string { return "email" }

func (s *EmailSink) Deliver(ctx context.Context, ev Event) error {
	if ev.CustomerEmail == "" {
		return nil
	}
	tpl, ok := s.templates[ev.Kind]
	if !ok {
		return nil
	}
	vars := ev.vars()
	body := Render(tpl.Body, vars)
	return s.client.Send(ctx, email.Message{
		To:       ev.CustomerEmail,
		Subject:  Render(tpl.Subject, vars),
		TextBody: body,
		HTMLBody: strings.ReplaceAll(html.EscapeString(body), "\n", "<br>\n"),
		Tag:      ev.Kind,
	})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes events as JSON keyed by license ID, so one license's
// events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
}

func NewKafkaSink(w messageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// NewKafkaWriter returns a writer that waits for all in-sync replicas.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Deliver(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.LicenseID, 10)),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	})
}

type broadcaster interface {
	Broadcast(msg websocket.Message)
}

// HubSink pushes events onto the admin live feed.
type HubSink struct {
	hub broadcaster
}

func NewHubSink(hub broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

func (s *HubSink) Name() string { return "hub" }

func (s *HubSink) Deliver(_ context.Context, ev Event) error {
	action := strings.TrimPrefix(ev.Kind, "license_")
	msg := websocket.NewMessage("license", action, ev.LicenseID, map[string]any{
		"product_id":     ev.ProductID,
		"product_slug":   ev.ProductSlug,
		"status":         ev.Status,
		"expires_at":     ev.ExpiresAt,
		"days_remaining": ev.DaysRemaining,
	})
	msg.ID = ev.ID
	msg.OccurredAt = ev.OccurredAt
	s.hub.Broadcast(msg)
	return nil
}

// LogSink writes each event to the structured log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, ev Event) error {
	s.logger.Info("license notification",
		"event_id", ev.ID,
		"kind", ev.Kind,
		"license_id", ev.LicenseID,
		"product_slug", ev.ProductSlug,
		"days_remaining", ev.DaysRemaining,
	)
	return nil
}
