package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dukerupert/keygate/internal/email"
	"github.com/dukerupert/keygate/internal/model"
	"github.com/dukerupert/keygate/internal/websocket"
)

type rewriteTransport struct {
	target string
}

func (rt *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	u, _ := url.Parse(rt.target)
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}

func testEvent(kind string) Event {
	exp := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	return Event{
		ID:            "evt-1",
		Kind:          kind,
		OccurredAt:    time.Date(2026, 10, 25, 9, 0, 0, 0, time.UTC),
		LicenseID:     7,
		LicenseKey:    "KG-ABC",
		ProductID:     2,
		ProductSlug:   "pro-forms",
		ProductName:   "Pro Forms",
		CustomerEmail: "alice@example.com",
		Status:        "active",
		ExpiresAt:     &exp,
		DaysRemaining: 7,
	}
}

func TestEmailSink(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"MessageID":"m-1"}`))
	}))
	defer server.Close()

	client := email.NewClient("token", "licenses@example.com",
		email.WithHTTPClient(&http.Client{Transport: &rewriteTransport{target: server.URL}}))
	sink := NewEmailSink(client, map[string]Template{
		model.NotifyLicenseExpired: {Subject: "custom", Body: "custom"},
	})

	if err := sink.Deliver(context.Background(), testEvent(model.NotifyLicenseExpiring)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if got["To"] != "alice@example.com" {
		t.Errorf("To = %v", got["To"])
	}
	if got["Subject"] != "Your Pro Forms license expires in 7 days" {
		t.Errorf("Subject = %v", got["Subject"])
	}
	body, _ := got["TextBody"].(string)
	if !strings.Contains(body, "KG-ABC") || !strings.Contains(body, "2026-11-01") {
		t.Errorf("TextBody = %q", body)
	}
	htmlBody, _ := got["HtmlBody"].(string)
	if !strings.Contains(htmlBody, "<br>") {
		t.Errorf("HtmlBody = %q", htmlBody)
	}
}

func TestEmailSinkSkipsMissingAddress(t *testing.T) {
	sink := NewEmailSink(email.NewClient("", ""), nil)
	ev := testEvent(model.NotifyLicenseCreated)
	ev.CustomerEmail = ""

	if err := sink.Deliver(context.Background(), ev); err != nil {
		t.Errorf("Deliver without address: %v", err)
	}
}

func TestEmailSinkNotConfigured(t *testing.T) {
	sink := NewEmailSink(email.NewClient("", ""), nil)

	err := sink.Deliver(context.Background(), testEvent(model.NotifyLicenseCreated))
	if !errors.Is(err, email.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w)

	if err := sink.Deliver(context.Background(), testEvent(model.NotifyLicenseExpired)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("wrote %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "7" {
		t.Errorf("key = %q, want 7", msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != model.NotifyLicenseExpired {
		t.Errorf("headers = %v", msg.Headers)
	}
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		t.Fatalf("unmarshal value: %v", err)
	}
	if ev.ProductSlug != "pro-forms" || ev.Kind != model.NotifyLicenseExpired {
		t.Errorf("payload = %+v", ev)
	}
}

func TestKafkaSinkError(t *testing.T) {
	sink := NewKafkaSink(&fakeWriter{err: errors.New("broker down")})
	if err := sink.Deliver(context.Background(), testEvent(model.NotifyLicenseCreated)); err == nil {
		t.Error("expected writer error")
	}
}

type fakeHub struct {
	msgs []websocket.Message
}

func (f *fakeHub) Broadcast(msg websocket.Message) {
	f.msgs = append(f.msgs, msg)
}

func TestHubSink(t *testing.T) {
	hub := &fakeHub{}
	if err := NewHubSink(hub).Deliver(context.Background(), testEvent(model.NotifyLicenseExpiring)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(hub.msgs) != 1 {
		t.Fatalf("broadcast %d messages", len(hub.msgs))
	}
	msg := hub.msgs[0]
	if msg.Type != "license_expiring" || msg.EntityID != 7 || msg.ID != "evt-1" {
		t.Errorf("message = %+v", msg)
	}
}
