package websocket

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub) *Client {
	return &Client{
		hub:  hub,
		send: make(chan []byte, sendBufferSize),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := testHub()

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)
	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c1)
	hub.Unregister(c2)
	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcast(t *testing.T) {
	hub := testHub()

	c1 := mockClient(hub)
	c2 := mockClient(hub)
	hub.Register(c1)
	hub.Register(c2)

	hub.Broadcast(NewMessage("license", "expired", 42, map[string]any{"product_slug": "pro-forms"}))

	for _, c := range []*Client{c1, c2} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "license_expired" {
				t.Errorf("type = %q, want license_expired", got.Type)
			}
			if got.EntityID != 42 {
				t.Errorf("entity_id = %d, want 42", got.EntityID)
			}
			if got.Data["product_slug"] != "pro-forms" {
				t.Errorf("data = %v", got.Data)
			}
			if got.OccurredAt.IsZero() {
				t.Error("occurred_at not set")
			}
		default:
			t.Fatal("client did not receive message")
		}
	}
}

func TestBroadcastDropsWhenBufferFull(t *testing.T) {
	hub := testHub()
	slow := mockClient(hub)
	hub.Register(slow)

	for i := 0; i < sendBufferSize+5; i++ {
		hub.Broadcast(NewMessage("license", "created", int64(i), nil))
	}

	if got := len(slow.send); got != sendBufferSize {
		t.Errorf("buffered = %d, want %d", got, sendBufferSize)
	}
	if got := hub.Dropped(); got != 5 {
		t.Errorf("dropped = %d, want 5", got)
	}
}

func TestClose(t *testing.T) {
	hub := testHub()
	c := mockClient(hub)
	hub.Register(c)

	hub.Close()

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
	if _, ok := <-c.send; ok {
		t.Error("send channel still open after Close")
	}
	// Unregister after Close must not double-close.
	hub.Unregister(c)
}

func TestConcurrentBroadcast(t *testing.T) {
	hub := testHub()
	c := mockClient(hub)
	hub.Register(c)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			hub.Broadcast(NewMessage("license", "created", int64(id), nil))
		}(i)
	}
	wg.Wait()

	if got := len(c.send); got != 10 {
		t.Errorf("received %d messages, want 10", got)
	}
}
