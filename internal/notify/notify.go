// Package notify delivers human-readable outcomes back to the chat
// callback address. Delivery is best-effort: the engine never changes
// its behavior based on whether a notification arrived.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Message is the payload posted to a response address.
type Message struct {
	Text string `json:"text"`
	// ResponseType is "in_channel" when the message should be visible
	// to everyone, empty for a reply only the actor sees.
	ResponseType string `json:"response_type,omitempty"`
}

// Broadcast marks a message as channel-visible.
const Broadcast = "in_channel"

// Sink delivers messages. Send never reports failure to the caller;
// sinks log and move on.
type Sink interface {
	Send(ctx context.Context, responseURL string, msg Message)
}

// WebhookSink posts messages as JSON to the response URL supplied with
// each chat intent.
type WebhookSink struct {
	client *http.Client
	logger zerolog.Logger
}

func NewWebhookSink(logger zerolog.Logger) *WebhookSink {
	return &WebhookSink{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (s *WebhookSink) Send(ctx context.Context, responseURL string, msg Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, responseURL, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Msg("building notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn().Err(err).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.logger.Warn().Int("status", resp.StatusCode).Msg("notification rejected")
	}
}

// MemorySink captures messages for tests.
type MemorySink struct {
	mu       sync.Mutex
	Messages []SentMessage
}

type SentMessage struct {
	URL     string
	Message Message
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Send(ctx context.Context, responseURL string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, SentMessage{URL: responseURL, Message: msg})
}

// Last returns the most recent message, or nil.
func (s *MemorySink) Last() *SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.Messages) == 0 {
		return nil
	}
	m := s.Messages[len(s.Messages)-1]
	return &m
}
