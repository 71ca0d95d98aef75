package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/supportsync/supportsync-go/internal/domain"
)

// Store persists sessions and messages for the stub backend. The SDK side
// stays fully in-memory; durability here only exists so a restarted dev
// server still serves message backlogs.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id     INTEGER NOT NULL,
	username    TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	started_at  TEXT NOT NULL,
	ended_at    TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  INTEGER NOT NULL REFERENCES sessions(id),
	sender_id   INTEGER,
	sender_name TEXT NOT NULL,
	sender_role TEXT NOT NULL,
	content     TEXT NOT NULL DEFAULT '',
	image_url   TEXT,
	voice_url   TEXT,
	timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
`

// OpenStore opens (and if needed initializes) the sqlite database at path.
// Use ":memory:" for a throwaway store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors under the broker's concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new chat session and returns it with its assigned
// identifier.
func (s *Store) CreateSession(ctx context.Context, user domain.User, category domain.IssueCategory) (*domain.ChatSession, error) {
	startedAt := time.Now().UTC().Format(time.RFC3339)
	var userID int64
	if user.ID != nil {
		userID = *user.ID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, username, category, started_at) VALUES (?, ?, ?, ?)`,
		userID, user.Username, string(category), startedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}

	customer := domain.NewCustomer(userID, user.Username)
	return &domain.ChatSession{
		ID:        &id,
		User:      &customer,
		StartedAt: startedAt,
	}, nil
}

// AppendMessage stores a message and returns it with its assigned identifier
// and server timestamp.
func (s *Store) AppendMessage(ctx context.Context, sessionID int64, msg domain.Message) (*domain.Message, error) {
	ts := time.Now().UTC().Format(time.RFC3339)

	var senderID *int64
	senderName, senderRole := "", string(domain.RoleCustomer)
	if msg.Sender != nil {
		senderID = msg.Sender.ID
		senderName = msg.Sender.Username
		senderRole = string(msg.Sender.Role)
	}

	var content string
	var imageURL, voiceURL *string
	switch c := msg.Content.(type) {
	case domain.TextContent:
		content = c.Body
	case domain.ImageContent:
		content = c.Caption
		imageURL = &c.URL
	case domain.VoiceContent:
		voiceURL = &c.URL
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, sender_id, sender_name, sender_role, content, image_url, voice_url, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, senderID, senderName, senderRole, content, imageURL, voiceURL, ts,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}

	stored := msg
	stored.ID = &id
	stored.Timestamp = ts
	return &stored, nil
}

// ListMessages returns all messages of a session in append order.
func (s *Store) ListMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender_id, sender_name, sender_role, content, image_url, voice_url, timestamp
		 FROM messages WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var (
			id                 int64
			senderID           sql.NullInt64
			senderName, role   string
			content            string
			imageURL, voiceURL sql.NullString
			ts                 string
		)
		if err := rows.Scan(&id, &senderID, &senderName, &role, &content, &imageURL, &voiceURL, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		sender := domain.User{Username: senderName, Role: domain.UserRole(role)}
		if senderID.Valid {
			v := senderID.Int64
			sender.ID = &v
		}

		var msgContent domain.MessageContent
		switch {
		case voiceURL.Valid && voiceURL.String != "":
			msgContent = domain.VoiceContent{URL: voiceURL.String}
		case imageURL.Valid && imageURL.String != "":
			msgContent = domain.ImageContent{URL: imageURL.String, Caption: content}
		default:
			msgContent = domain.TextContent{Body: content}
		}

		msgID := id
		messages = append(messages, domain.Message{
			ID:        &msgID,
			Sender:    &sender,
			Content:   msgContent,
			Timestamp: ts,
		})
	}
	return messages, rows.Err()
}
