package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables. The CHECK constraint on hearts is
// a second line of defense behind the conditional update's predicate.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_profiles (
			id              TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL DEFAULT '',
			hearts          INT NOT NULL DEFAULT 0,
			streak          INT NOT NULL DEFAULT 0,
			last_chat_date  TEXT,
			last_message_ts BIGINT,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_hearts_nonneg CHECK (hearts >= 0)
		);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id         TEXT PRIMARY KEY,
			chat_id    TEXT NOT NULL,
			sender_id  TEXT NOT NULL,
			role       TEXT NOT NULL,
			body       TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_messages_chat ON chat_messages(chat_id, created_at DESC);
	`)
	return err
}

// GetProfile retrieves a user's profile
func (p *PostgresStore) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	prof := &Profile{ID: userID}

	var lastChatDate sql.NullString
	var lastMessageTs sql.NullInt64
	err := p.db.QueryRowContext(ctx, `
		SELECT display_name, hearts, streak, last_chat_date, last_message_ts, created_at, updated_at
		FROM user_profiles WHERE id = $1
	`, userID).Scan(&prof.DisplayName, &prof.Hearts, &prof.Streak,
		&lastChatDate, &lastMessageTs, &prof.CreatedAt, &prof.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	prof.LastChatDate = lastChatDate.String
	if lastMessageTs.Valid {
		ts := lastMessageTs.Int64
		prof.LastMessageTs = &ts
	}
	return prof, nil
}

// PutProfile upserts a profile. Used by seeding and admin tooling, not
// by the settlement path.
func (p *PostgresStore) PutProfile(ctx context.Context, prof *Profile) error {
	var lastChatDate sql.NullString
	if prof.LastChatDate != "" {
		lastChatDate = sql.NullString{String: prof.LastChatDate, Valid: true}
	}
	var lastMessageTs sql.NullInt64
	if prof.LastMessageTs != nil {
		lastMessageTs = sql.NullInt64{Int64: *prof.LastMessageTs, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO user_profiles (id, display_name, hearts, streak, last_chat_date, last_message_ts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name    = $2,
			hearts          = $3,
			streak          = $4,
			last_chat_date  = $5,
			last_message_ts = $6,
			updated_at      = NOW()
	`, prof.ID, prof.DisplayName, prof.Hearts, prof.Streak, lastChatDate, lastMessageTs)
	return err
}

// SpendTurn spends one heart and records the user message in a single
// transaction. The predicate and the mutation are one UPDATE statement;
// RowsAffected is the only outcome signal. When the update changes zero
// rows nothing is committed and applied is false. The caller cannot
// tell zero hearts from a rate-limit rejection, and does not need to.
func (p *PostgresStore) SpendTurn(ctx context.Context, params SpendParams) (int, bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	nowMs := params.Now.UnixMilli()
	result, err := tx.ExecContext(ctx, `
		UPDATE user_profiles SET
			hearts          = hearts - 1,
			last_message_ts = $2,
			streak          = $3,
			last_chat_date  = $4,
			updated_at      = NOW()
		WHERE id = $1
		  AND hearts > 0
		  AND (last_message_ts IS NULL
		       OR last_message_ts < $2 - $5
		       OR last_message_ts > $2 + $6)
	`, params.UserID, nowMs, params.Streak, params.ChatDay,
		params.Window.Milliseconds(), params.Skew.Milliseconds())
	if err != nil {
		return 0, false, fmt.Errorf("failed to update profile: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if rows == 0 {
		return 0, false, nil
	}

	m := params.Message
	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_id, role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ChatID, m.SenderID, m.Role, m.Body, m.CreatedAt)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record message: %w", err)
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `
		SELECT hearts FROM user_profiles WHERE id = $1
	`, params.UserID).Scan(&remaining); err != nil {
		return 0, false, fmt.Errorf("failed to read remaining hearts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return remaining, true, nil
}

// RefundTurn credits one heart back unconditionally. applied=false
// means the user row was not there to credit; the caller must treat
// that as a critical reconciliation condition.
func (p *PostgresStore) RefundTurn(ctx context.Context, userID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE user_profiles SET
			hearts     = hearts + 1,
			updated_at = NOW()
		WHERE id = $1
	`, userID)
	if err != nil {
		return false, fmt.Errorf("failed to refund heart: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// InsertMessage records a single message outside the settlement
// transaction (assistant replies).
func (p *PostgresStore) InsertMessage(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, sender_id, role, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.ChatID, m.SenderID, m.Role, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}
	return nil
}

// RecentMessages retrieves the most recent messages for a chat,
// returned oldest-first for use as conversation context.
func (p *PostgresStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, chat_id, sender_id, role, body, created_at
		FROM chat_messages
		WHERE chat_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Role, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse newest-first into oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
