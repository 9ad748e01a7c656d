package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"qazna.org/entitlements/internal/ids"
)

// EventType names an audited reconciliation outcome.
type EventType string

const (
	EventVerified      EventType = "verified"
	EventRestored      EventType = "restored"
	EventRTDNProcessed EventType = "rtdn_processed"
)

// Event is an append-only audit record. Data must never carry purchase tokens
// or other credentials.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Type      EventType      `json:"eventType"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
	RequestID string         `json:"requestId,omitempty"`
}

// Log appends audit events.
type Log interface {
	Append(ctx context.Context, ev Event) error
}

// NewEvent builds an event stamped with an id, the time and the request id
// carried by ctx.
func NewEvent(ctx context.Context, userID string, typ EventType, data map[string]any, at time.Time) (Event, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Event{}, errors.New("audit: user id is required")
	}
	if strings.TrimSpace(string(typ)) == "" {
		return Event{}, errors.New("audit: event type is required")
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	copyData := make(map[string]any, len(data))
	for k, v := range data {
		copyData[k] = v
	}
	return Event{
		ID:        ids.NewAt(at),
		UserID:    userID,
		Type:      typ,
		Data:      copyData,
		Timestamp: at,
		RequestID: RequestIDFromContext(ctx),
	}, nil
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing through logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, ev Event) error {
	if ev.Type == "" {
		return errors.New("audit: event type is required")
	}
	e := s.logger.Info().
		Str("type", "audit").
		Str("event", string(ev.Type)).
		Str("event_id", ev.ID).
		Str("user_id", ev.UserID).
		Time("occurred_at", ev.Timestamp)
	if ev.RequestID != "" {
		e = e.Str("request_id", ev.RequestID)
	}
	fields := ev.Data
	if fields == nil {
		fields = map[string]any{}
	}
	e.Interface("fields", fields).Msg("audit")
	return nil
}

// Memory keeps events in process; used by tests and the in-memory backend.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns a snapshot of appended events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Multi fans an event out to every log in order and stops at the first error.
type Multi []Log

func (m Multi) Append(ctx context.Context, ev Event) error {
	for _, l := range m {
		if l == nil {
			continue
		}
		if err := l.Append(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
