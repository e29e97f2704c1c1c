package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development mode and
// tests. The mutex makes the spend predicate-and-mutation atomic, the
// way the single UPDATE statement does in Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	messages []*Message
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*Profile),
	}
}

func (m *MemoryStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prof, ok := m.profiles[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *prof
	if prof.LastMessageTs != nil {
		ts := *prof.LastMessageTs
		cp.LastMessageTs = &ts
	}
	return &cp, nil
}

func (m *MemoryStore) PutProfile(ctx context.Context, prof *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *prof
	if prof.LastMessageTs != nil {
		ts := *prof.LastMessageTs
		cp.LastMessageTs = &ts
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	m.profiles[prof.ID] = &cp
	return nil
}

func (m *MemoryStore) SpendTurn(ctx context.Context, params SpendParams) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prof, ok := m.profiles[params.UserID]
	if !ok {
		return 0, false, nil
	}

	nowMs := params.Now.UnixMilli()
	if prof.Hearts <= 0 {
		return 0, false, nil
	}
	if prof.LastMessageTs != nil {
		last := *prof.LastMessageTs
		withinWindow := last >= nowMs-params.Window.Milliseconds()
		plausible := last <= nowMs+params.Skew.Milliseconds()
		if withinWindow && plausible {
			return 0, false, nil
		}
	}

	prof.Hearts--
	ts := nowMs
	prof.LastMessageTs = &ts
	prof.Streak = params.Streak
	prof.LastChatDate = params.ChatDay
	prof.UpdatedAt = time.Now()

	m.messages = append(m.messages, params.Message)

	return prof.Hearts, true, nil
}

func (m *MemoryStore) RefundTurn(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prof, ok := m.profiles[userID]
	if !ok {
		return false, nil
	}
	prof.Hearts++
	prof.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID {
			result = append(result, msg)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Messages returns all stored messages. Test helper.
func (m *MemoryStore) Messages() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Message, len(m.messages))
	copy(out, m.messages)
	return out
}
