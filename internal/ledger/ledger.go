// Package ledger tracks user hearts balances and chat messages.
//
// Flow:
//  1. A chat turn arrives for an authenticated user
//  2. One conditional update spends a heart, stamps the rate-limit
//     timestamp, advances the streak, and records the user message,
//     all in a single store operation
//  3. If the completion provider fails afterwards, RefundTurn credits
//     the heart back unconditionally
//
// The conditional update is the only synchronization primitive: its
// predicate and mutation are evaluated atomically by the store, so two
// concurrent turns for the same user can never both spend the same
// heart, no matter how many handler instances are running.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/avelou/heartline/internal/idgen"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrTurnRejected means the conditional update changed zero rows:
	// zero hearts, inside the rate-limit window, or a lost race. The
	// caller is not told which.
	ErrTurnRejected = errors.New("turn rejected: too fast or no hearts")
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Profile is a user's spendable state.
type Profile struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"displayName"`
	Hearts        int       `json:"hearts"` // never negative
	Streak        int       `json:"streak"` // consecutive active days
	LastChatDate  string    `json:"lastChatDate,omitempty"` // YYYY-MM-DD, UTC
	LastMessageTs *int64    `json:"lastMessageTs,omitempty"` // epoch ms of last accepted turn
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Message is one chat message, created once and never mutated here.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Role      string    `json:"role"` // user, assistant
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// SpendParams describes one attempted turn settlement.
type SpendParams struct {
	UserID  string
	Message *Message // the user-role message, persisted with the deduction
	Now     time.Time
	Window  time.Duration // min gap between accepted turns
	Skew    time.Duration // stored timestamps beyond now+Skew are treated as corrupt
	Streak  int           // precomputed next streak value, asserted atomically
	ChatDay string        // YYYY-MM-DD for Now
}

// Store persists profiles and messages.
//
// SpendTurn must evaluate its predicate and apply its mutation as one
// atomic operation and report whether it changed anything; it is the
// synchronization primitive the whole pipeline leans on.
type Store interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	SpendTurn(ctx context.Context, params SpendParams) (remaining int, applied bool, err error)
	RefundTurn(ctx context.Context, userID string) (applied bool, err error)
	InsertMessage(ctx context.Context, m *Message) error
	RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error)
}

// Ledger settles chat turns against user balances.
type Ledger struct {
	store  Store
	window time.Duration
	skew   time.Duration
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger with the given rate-limit window and clock-skew guard.
func New(store Store, window, skew time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		window: window,
		skew:   skew,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Receipt is the outcome of a successful spend.
type Receipt struct {
	Message         *Message
	HeartsRemaining int
	Streak          int
	DisplayName     string
}

// GetProfile returns a user's profile.
func (l *Ledger) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return l.store.GetProfile(ctx, userID)
}

// SpendTurn attempts to settle one turn: spend a heart, advance the
// streak, and durably record the user message. Returns ErrTurnRejected
// when the conditional update changed zero rows.
func (l *Ledger) SpendTurn(ctx context.Context, userID, chatID, body string) (*Receipt, error) {
	profile, err := l.store.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := l.now()
	today := now.UTC().Format(time.DateOnly)
	streak := NextStreak(profile.LastChatDate, profile.Streak, today)

	done := observeOp("spend")
	defer done()

	msg := &Message{
		ID:        idgen.WithPrefix("msg_"),
		ChatID:    chatID,
		SenderID:  userID,
		Role:      RoleUser,
		Body:      body,
		CreatedAt: now,
	}

	remaining, applied, err := l.store.SpendTurn(ctx, SpendParams{
		UserID:  userID,
		Message: msg,
		Now:     now,
		Window:  l.window,
		Skew:    l.skew,
		Streak:  streak,
		ChatDay: today,
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		TurnsRejected.Inc()
		return nil, ErrTurnRejected
	}

	return &Receipt{
		Message:         msg,
		HeartsRemaining: remaining,
		Streak:          streak,
		DisplayName:     profile.DisplayName,
	}, nil
}

// RefundTurn credits one heart back after a provider failure. No
// predicate: this is a pure compensating credit. The boolean reports
// whether the credit actually applied; false is a critical condition
// the caller must record.
func (l *Ledger) RefundTurn(ctx context.Context, userID string) (bool, error) {
	done := observeOp("refund")
	defer done()
	return l.store.RefundTurn(ctx, userID)
}

// RecordReply persists an assistant-role reply message.
func (l *Ledger) RecordReply(ctx context.Context, chatID, senderID, body string) (*Message, error) {
	msg := &Message{
		ID:        idgen.WithPrefix("msg_"),
		ChatID:    chatID,
		SenderID:  senderID,
		Role:      RoleAssistant,
		Body:      body,
		CreatedAt: l.now(),
	}
	if err := l.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the most recent messages for a chat, oldest-first.
func (l *Ledger) History(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 10
	}
	return l.store.RecentMessages(ctx, chatID, limit)
}

// NextStreak computes the streak value a turn accepted today should
// carry: unchanged for a second turn on the same day, +1 on a
// consecutive day, reset to 1 after a gap (or for a first-ever turn).
func NextStreak(lastChatDate string, streak int, today string) int {
	switch lastChatDate {
	case today:
		if streak < 1 {
			return 1
		}
		return streak
	case yesterdayOf(today):
		return streak + 1
	default:
		return 1
	}
}

func yesterdayOf(day string) string {
	t, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(time.DateOnly)
}
