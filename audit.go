package authcore

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

const (
	auditEventLoginSuccess     = "login_success"
	auditEventLoginFailure     = "login_failure"
	auditEventRefreshSuccess   = "refresh_success"
	auditEventRefreshInvalid   = "refresh_invalid"
	auditEventRefreshReuse     = "refresh_reuse_detected"
	auditEventLogout           = "logout"
	auditEventForcedLogout     = "forced_logout"
	auditEventResetRequest     = "password_reset_request"
	auditEventResetConfirm     = "password_reset_confirm"
	auditEventResetRateLimited = "password_reset_rate_limited"
)

// AuditEvent is one security-relevant occurrence emitted by the Engine.
// Reuse detection is emitted as its own event type so operators can alert on
// it separately from ordinary expiry.
type AuditEvent struct {
	Timestamp    time.Time         `json:"timestamp"`
	EventType    string            `json:"event_type"`
	UserID       string            `json:"user_id,omitempty"`
	CredentialID string            `json:"credential_id,omitempty"`
	IP           string            `json:"ip,omitempty"`
	Success      bool              `json:"success"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AuditSink receives audit events from the async dispatcher. Emit must be
// safe for concurrent use and should return quickly; slow sinks cause drops
// when DropIfFull is set.
type AuditSink interface {
	Emit(ctx context.Context, event AuditEvent)
}

// NoOpSink discards every event.
type NoOpSink struct{}

// Emit implements [AuditSink].
func (NoOpSink) Emit(context.Context, AuditEvent) {}

// ChannelSink forwards events to a buffered channel for test harnesses and
// custom pipelines.
type ChannelSink struct {
	events chan AuditEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan AuditEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event AuditEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan AuditEvent {
	return s.events
}

// JSONWriterSink writes one JSON object per line to the wrapped writer.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event AuditEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
