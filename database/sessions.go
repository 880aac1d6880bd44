package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionStore persists users, chat sessions, messages, uploaded documents,
// feedback, and analytics events. The answer pipeline never touches it
// directly; callers decide what to persist and when.
type SessionStore struct {
	pool *pgxpool.Pool
}

type User struct {
	ID       string
	AuthID   string
	Language string
}

// Message is the minimal projection needed to replay a conversation.
type Message struct {
	ID           string
	Role         string
	Content      string
	Sources      []string
	UsedDocument bool
	CreatedAt    time.Time
}

func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// GetOrCreateUser looks a user up by their external auth id, creating the
// record on first sight and refreshing last_active otherwise.
func (s *SessionStore) GetOrCreateUser(ctx context.Context, authID, language string) (User, error) {
	var user User
	err := s.pool.QueryRow(ctx,
		`SELECT id, auth_id, language FROM users WHERE auth_id = $1`, authID,
	).Scan(&user.ID, &user.AuthID, &user.Language)
	if err == nil {
		if _, err := s.pool.Exec(ctx, `UPDATE users SET last_active = NOW() WHERE id = $1`, user.ID); err != nil {
			return User{}, fmt.Errorf("touch user: %w", err)
		}
		return user, nil
	}
	if err != pgx.ErrNoRows {
		return User{}, fmt.Errorf("query user: %w", err)
	}

	user = User{ID: uuid.NewString(), AuthID: authID, Language: language}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, auth_id, language) VALUES ($1, $2, $3)`,
		user.ID, user.AuthID, user.Language,
	); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// EnsureSession creates the user and session rows that message, document,
// and feedback inserts reference. Session ids originate with the caller, so
// the insert is idempotent per id. Returns the owning user's id.
func (s *SessionStore) EnsureSession(ctx context.Context, sessionID, authID, language string) (string, error) {
	user, err := s.GetOrCreateUser(ctx, authID, language)
	if err != nil {
		return "", err
	}

	name := "Session " + time.Now().Format("2006-01-02 15:04")
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chat_sessions (id, user_id, session_name, language, document_context)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		sessionID, user.ID, name, language, "No document uploaded.",
	); err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	return user.ID, nil
}

// AddMessage stores one message under messageID so feedback can reference
// the same id the caller hands out. A fresh id is generated when empty; the
// stored id is returned either way.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID, messageID, role, content string, sources []string, usedDocument bool) (string, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	if sources == nil {
		sources = []string{}
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, sources, used_document)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		messageID, sessionID, role, content, sources, usedDocument,
	); err != nil {
		return "", fmt.Errorf("insert message: %w", err)
	}
	return messageID, nil
}

// SessionMessages returns a session's messages oldest first.
func (s *SessionStore) SessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, role, content, sources, used_document, created_at
		 FROM chat_messages WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Sources, &m.UsedDocument, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return messages, nil
}

func (s *SessionStore) UpdateSessionDocument(ctx context.Context, sessionID, documentContext string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE chat_sessions SET document_context = $2, updated_at = NOW() WHERE id = $1`,
		sessionID, documentContext,
	); err != nil {
		return fmt.Errorf("update session document: %w", err)
	}
	return nil
}

func (s *SessionStore) SaveDocumentRecord(ctx context.Context, userID, sessionID, filename string, fileSize int64, fileType, extractedText, explanation, language string) (string, error) {
	id := uuid.NewString()
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO user_documents (id, user_id, session_id, original_filename, file_size, file_type, extracted_text, explanation, language)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, userID, sessionID, filename, fileSize, fileType, extractedText, explanation, language,
	); err != nil {
		return "", fmt.Errorf("insert document record: %w", err)
	}
	return id, nil
}

func (s *SessionStore) AddFeedback(ctx context.Context, messageID, userID string, rating int, comment string) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO feedback (id, message_id, user_id, rating, comment)
		 VALUES ($1, $2, NULLIF($3, '')::uuid, $4, NULLIF($5, ''))`,
		uuid.NewString(), messageID, userID, rating, comment,
	); err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

func (s *SessionStore) LogEvent(ctx context.Context, userID, eventType string, eventData map[string]any) error {
	if eventData == nil {
		eventData = map[string]any{}
	}
	payload, err := json.Marshal(eventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO analytics_events (id, user_id, event_type, event_data) VALUES ($1, NULLIF($2, '')::uuid, $3, $4)`,
		uuid.NewString(), userID, eventType, payload,
	); err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}
