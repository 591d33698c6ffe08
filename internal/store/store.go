package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Stage is one step of the requirements interview.
type Stage struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Goal        string    `json:"goal"`
	Order       int       `json:"order"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatMessage is one display-facing entry of a stage's chat history.
type ChatMessage struct {
	Type    string `json:"type"` // "human" or "ai"
	Content string `json:"content"`
}

// SessionMemory is the persisted state of one interview session.
// Messages holds the collaborator's own transcript and stays opaque
// here; ChatHistory groups display messages by stage name.
type SessionMemory struct {
	ID             string                   `json:"id"`
	SessionID      string                   `json:"session_id"`
	Messages       json.RawMessage          `json:"messages"`
	ChatHistory    map[string][]ChatMessage `json:"chat_history"`
	CurrentStageID *string                  `json:"current_stage_id,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// BRDDocument is a generated requirements document for a session.
type BRDDocument struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Content        string    `json:"brd_content"`
	MermaidDiagram string    `json:"mermaid_diagram"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// ActiveStages returns the enabled stages in interview order.
func (s *Store) ActiveStages(ctx context.Context) ([]Stage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, goal, "order", is_active, created_at, updated_at
		FROM stages
		WHERE is_active
		ORDER BY "order" ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var stages []Stage
	for rows.Next() {
		var st Stage
		if err := rows.Scan(&st.ID, &st.Name, &st.Description, &st.Goal,
			&st.Order, &st.IsActive, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// CreateStage inserts a stage and returns it with generated fields.
func (s *Store) CreateStage(ctx context.Context, name, description, goal string, order int, isActive bool) (*Stage, error) {
	st := Stage{
		Name:        name,
		Description: description,
		Goal:        goal,
		Order:       order,
		IsActive:    isActive,
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO stages (name, description, goal, "order", is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, name, description, goal, order, isActive).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert stage: %w", err)
	}
	return &st, nil
}

// FindSessionMemory loads the memory for a session, or (nil, nil) when
// the session has no memory yet.
func (s *Store) FindSessionMemory(ctx context.Context, sessionID string) (*SessionMemory, error) {
	var (
		m           SessionMemory
		messages    []byte
		chatHistory []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, messages, chat_history, current_stage_id, created_at, updated_at
		FROM session_memories
		WHERE session_id = $1
	`, sessionID).Scan(&m.ID, &m.SessionID, &messages, &chatHistory,
		&m.CurrentStageID, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query session memory: %w", err)
	}

	m.Messages = json.RawMessage(messages)
	m.ChatHistory = map[string][]ChatMessage{}
	if len(chatHistory) > 0 {
		if err := json.Unmarshal(chatHistory, &m.ChatHistory); err != nil {
			return nil, fmt.Errorf("decode chat history: %w", err)
		}
	}
	return &m, nil
}

// SaveSessionMemory upserts the memory keyed by session id and fills
// the generated fields back in.
func (s *Store) SaveSessionMemory(ctx context.Context, m *SessionMemory) error {
	messages := m.Messages
	if len(messages) == 0 {
		messages = json.RawMessage("[]")
	}
	chatHistory, err := json.Marshal(m.ChatHistory)
	if err != nil {
		return fmt.Errorf("encode chat history: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		INSERT INTO session_memories (session_id, messages, chat_history, current_stage_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			messages = EXCLUDED.messages,
			chat_history = EXCLUDED.chat_history,
			current_stage_id = EXCLUDED.current_stage_id,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`, m.SessionID, []byte(messages), chatHistory, m.CurrentStageID).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert session memory: %w", err)
	}
	return nil
}

// InsertBRD stores a generated document.
func (s *Store) InsertBRD(ctx context.Context, d *BRDDocument) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO brd_documents (session_id, brd_content, mermaid_diagram, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`, d.SessionID, d.Content, d.MermaidDiagram, d.Message).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert brd: %w", err)
	}
	return nil
}

// LatestBRD returns the newest document for a session, or (nil, nil).
func (s *Store) LatestBRD(ctx context.Context, sessionID string) (*BRDDocument, error) {
	var d BRDDocument
	err := s.db.QueryRow(ctx, `
		SELECT id, session_id, brd_content, mermaid_diagram, message, created_at
		FROM brd_documents
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, sessionID).Scan(&d.ID, &d.SessionID, &d.Content, &d.MermaidDiagram,
		&d.Message, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query brd: %w", err)
	}
	return &d, nil
}
