//go:build integration

package ledger

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func setupTestDB(t *testing.T) (*PostgresStore, func()) {
	t.Helper()

	dbURL := os.Getenv("POSTGRES_URL")
	if dbURL == "" {
		t.Skip("POSTGRES_URL not set, skipping integration test")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Fatalf("connect to database: %v", err)
	}

	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		ctx := context.Background()
		_, _ = db.ExecContext(ctx, "DELETE FROM chat_messages")
		_, _ = db.ExecContext(ctx, "DELETE FROM user_profiles")
		db.Close()
	}

	return store, cleanup
}

func TestPostgresSpendTurn_NoDoubleSpend(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.PutProfile(ctx, &Profile{ID: "pg-u1", Hearts: 1}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	now := time.Now()
	const n = 16
	var wg sync.WaitGroup
	wins := make(chan bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, applied, err := store.SpendTurn(ctx, SpendParams{
				UserID: "pg-u1",
				Message: &Message{
					ID: "msg-race-" + string(rune('a'+i)), ChatID: "chat-1",
					SenderID: "pg-u1", Role: RoleUser, Body: "hi", CreatedAt: now,
				},
				Now:     now,
				Window:  1500 * time.Millisecond,
				Skew:    time.Minute,
				Streak:  1,
				ChatDay: now.UTC().Format(time.DateOnly),
			})
			if err != nil {
				t.Errorf("SpendTurn: %v", err)
				return
			}
			wins <- applied
		}(i)
	}
	wg.Wait()
	close(wins)

	var applied int
	for w := range wins {
		if w {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied = %d, want exactly 1", applied)
	}

	prof, err := store.GetProfile(ctx, "pg-u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if prof.Hearts != 0 {
		t.Errorf("final hearts = %d, want 0", prof.Hearts)
	}

	msgs, err := store.RecentMessages(ctx, "chat-1", 50)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("persisted messages = %d, want 1", len(msgs))
	}
}

func TestPostgresRefundTurn(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	if err := store.PutProfile(ctx, &Profile{ID: "pg-u2", Hearts: 2}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	applied, err := store.RefundTurn(ctx, "pg-u2")
	if err != nil {
		t.Fatalf("RefundTurn: %v", err)
	}
	if !applied {
		t.Fatal("refund did not apply")
	}

	prof, _ := store.GetProfile(ctx, "pg-u2")
	if prof.Hearts != 3 {
		t.Errorf("hearts = %d, want 3", prof.Hearts)
	}

	applied, err = store.RefundTurn(ctx, "pg-missing")
	if err != nil {
		t.Fatalf("RefundTurn missing: %v", err)
	}
	if applied {
		t.Error("refund applied for a missing user")
	}
}

func TestPostgresRateLimitPredicate(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()
	last := now.Add(-500 * time.Millisecond).UnixMilli()
	if err := store.PutProfile(ctx, &Profile{ID: "pg-u3", Hearts: 5, LastMessageTs: &last}); err != nil {
		t.Fatalf("PutProfile: %v", err)
	}

	_, applied, err := store.SpendTurn(ctx, SpendParams{
		UserID: "pg-u3",
		Message: &Message{
			ID: "msg-rl", ChatID: "chat-1", SenderID: "pg-u3",
			Role: RoleUser, Body: "hi", CreatedAt: now,
		},
		Now:     now,
		Window:  1500 * time.Millisecond,
		Skew:    time.Minute,
		Streak:  1,
		ChatDay: now.UTC().Format(time.DateOnly),
	})
	if err != nil {
		t.Fatalf("SpendTurn: %v", err)
	}
	if applied {
		t.Error("turn inside the rate-limit window was accepted")
	}

	prof, _ := store.GetProfile(ctx, "pg-u3")
	if prof.Hearts != 5 {
		t.Errorf("hearts = %d, want 5", prof.Hearts)
	}
}
