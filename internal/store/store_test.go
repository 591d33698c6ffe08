package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	require.NoError(t, db.Ping(ctx))

	return db
}

func TestStageOperations(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()

	first, err := s.CreateStage(ctx, "Discovery", "Understand the project", "Collect goals", 100, true)
	require.NoError(t, err)
	require.NotEmpty(t, first.ID)

	second, err := s.CreateStage(ctx, "Scoping", "Pin down scope", "Collect scope", 101, true)
	require.NoError(t, err)

	_, err = s.CreateStage(ctx, "Disabled", "Hidden stage", "Nothing", 102, false)
	require.NoError(t, err)

	stages, err := s.ActiveStages(ctx)
	require.NoError(t, err)

	var firstIdx, secondIdx = -1, -1
	for i, st := range stages {
		require.True(t, st.IsActive)
		assert.NotEqual(t, "Disabled", st.Name)
		if st.ID == first.ID {
			firstIdx = i
		}
		if st.ID == second.ID {
			secondIdx = i
		}
	}
	require.NotEqual(t, -1, firstIdx)
	require.NotEqual(t, -1, secondIdx)
	assert.Less(t, firstIdx, secondIdx, "stages should come back in interview order")
}

func TestSessionMemoryRoundtrip(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()
	sessionID := "test-session-" + uuid.NewString()

	found, err := s.FindSessionMemory(ctx, sessionID)
	require.NoError(t, err)
	require.Nil(t, found)

	stage, err := s.CreateStage(ctx, "Intro", "First stage", "Say hello", 103, true)
	require.NoError(t, err)

	m := &SessionMemory{
		SessionID: sessionID,
		Messages:  json.RawMessage(`[{"role":"user","content":"hi"}]`),
		ChatHistory: map[string][]ChatMessage{
			"Intro": {{Type: "human", Content: "hi"}},
		},
		CurrentStageID: &stage.ID,
	}
	require.NoError(t, s.SaveSessionMemory(ctx, m))
	require.NotEmpty(t, m.ID)

	found, err = s.FindSessionMemory(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, m.ID, found.ID)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, string(found.Messages))
	require.Len(t, found.ChatHistory["Intro"], 1)
	assert.Equal(t, "human", found.ChatHistory["Intro"][0].Type)
	require.NotNil(t, found.CurrentStageID)
	assert.Equal(t, stage.ID, *found.CurrentStageID)

	// Upsert keeps the row and id.
	found.ChatHistory["Intro"] = append(found.ChatHistory["Intro"], ChatMessage{Type: "ai", Content: "hello"})
	require.NoError(t, s.SaveSessionMemory(ctx, found))

	again, err := s.FindSessionMemory(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, m.ID, again.ID)
	assert.Len(t, again.ChatHistory["Intro"], 2)
}

func TestBRDDocuments(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := New(db)
	ctx := context.Background()
	sessionID := "test-session-" + uuid.NewString()

	latest, err := s.LatestBRD(ctx, sessionID)
	require.NoError(t, err)
	require.Nil(t, latest)

	d := &BRDDocument{
		SessionID:      sessionID,
		Content:        "# BRD\n\nSome content.",
		MermaidDiagram: "graph TD; A-->B;",
		Message:        "generated",
	}
	require.NoError(t, s.InsertBRD(ctx, d))
	require.NotEmpty(t, d.ID)

	latest, err = s.LatestBRD(ctx, sessionID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, d.ID, latest.ID)
	assert.Equal(t, d.Content, latest.Content)
}
