// Package audit provides the append-only event log for turn settlement.
//
// Every failed turn and every completed turn leaves a record here so
// that operators can reconcile balances out-of-band. Writes are
// best-effort: a logging failure must never abort the response path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avelou/heartline/internal/idgen"
)

// Event actions
const (
	// ActionAtomicUpdateFailed records a turn the conditional update rejected.
	ActionAtomicUpdateFailed = "atomic_update_failed"
	// ActionRefundSuccess records a provider failure whose compensating credit applied.
	ActionRefundSuccess = "llm_fail_refund_success"
	// ActionRefundFailedCritical records a compensating credit that did NOT apply.
	// These entries are the input to out-of-band reconciliation.
	ActionRefundFailedCritical = "refund_failed_critical"
	// ActionChatTurn records a fully settled turn.
	ActionChatTurn = "chat_turn"
)

// Event is one append-only log record. Events are never mutated.
type Event struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Query filters event lookups.
type Query struct {
	UserID string
	Action string
	Limit  int
}

// Store persists events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	Find(ctx context.Context, q Query) ([]*Event, error)
	CountByAction(ctx context.Context, action string) (int, error)
}

// Logger appends audit events, swallowing (but logging) store errors.
type Logger struct {
	store  Store
	logger *slog.Logger
}

// NewLogger creates an audit logger.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

// Record appends one event. Best-effort: failures are logged and dropped.
func (l *Logger) Record(ctx context.Context, userID, action string, details map[string]any) {
	e := &Event{
		ID:        idgen.WithPrefix("evt_"),
		UserID:    userID,
		Action:    action,
		Details:   details,
		CreatedAt: time.Now(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Warn("audit append failed",
			"action", action,
			"user_id", userID,
			"error", err,
		)
	}
}

// Find queries stored events.
func (l *Logger) Find(ctx context.Context, q Query) ([]*Event, error) {
	return l.store.Find(ctx, q)
}

// MemoryStore is an in-memory event store for development mode and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	events []*Event
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) Find(ctx context.Context, q Query) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if q.UserID != "" && e.UserID != q.UserID {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		result = append(result, e)
		if q.Limit > 0 && len(result) >= q.Limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) CountByAction(ctx context.Context, action string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events {
		if e.Action == action {
			count++
		}
	}
	return count, nil
}
