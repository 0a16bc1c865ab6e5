package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestWebhookSinkPostsJSON(t *testing.T) {
	var received Message
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sink := NewWebhookSink(zerolog.Nop())
	sink.Send(context.Background(), server.URL, Message{
		Text:         "request approved",
		ResponseType: Broadcast,
	})

	if received.Text != "request approved" {
		t.Errorf("expected text delivered, got %q", received.Text)
	}
	if received.ResponseType != Broadcast {
		t.Errorf("expected in_channel, got %q", received.ResponseType)
	}
	if contentType != "application/json" {
		t.Errorf("expected JSON content type, got %q", contentType)
	}
}

func TestWebhookSinkSwallowsFailures(t *testing.T) {
	sink := NewWebhookSink(zerolog.Nop())
	// Unreachable address: must not panic and must not block the caller.
	sink.Send(context.Background(), "http://127.0.0.1:1", Message{Text: "lost"})
}

func TestMemorySink(t *testing.T) {
	sink := NewMemorySink()
	sink.Send(context.Background(), "http://callback", Message{Text: "one"})
	sink.Send(context.Background(), "http://callback", Message{Text: "two"})

	if len(sink.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sink.Messages))
	}
	if sink.Last().Message.Text != "two" {
		t.Errorf("unexpected last message %+v", sink.Last())
	}
}
