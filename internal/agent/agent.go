// Package agent holds the LLM collaborators: the interviewer that
// drives the staged requirements conversation and the BRD generator
// that turns a finished conversation into a document.
package agent

import (
	"context"
	"encoding/json"
)

// StageContext describes the interview stage a turn happens in.
type StageContext struct {
	Name        string
	Description string
	Goal        string
}

// Request is one conversation turn handed to the interviewer.
type Request struct {
	UserText      string
	Stage         StageContext
	FollowUpCount int

	// Messages is the prior model-facing transcript in OpenAI chat
	// format. Callers persist and round-trip it opaquely.
	Messages json.RawMessage
}

// Response is the interviewer's decision for one turn.
type Response struct {
	Success       bool            `json:"success"`
	Response      string          `json:"response"`
	NextStage     bool            `json:"next_stage"`
	FollowUpCount int             `json:"follow_up_count"`
	Messages      json.RawMessage `json:"-"` // updated transcript
}

// BRDResult is a generated requirements document.
type BRDResult struct {
	Content           string
	MermaidDiagram    string
	HasSufficientData bool
	Message           string
}

// Client defines the collaborator surface the rest of the app uses.
type Client interface {
	// Generate runs one interviewer turn.
	Generate(ctx context.Context, req Request) (*Response, error)

	// GenerateBRD builds a BRD and architecture diagram from the
	// session's conversation transcript.
	GenerateBRD(ctx context.Context, sessionID string, messages json.RawMessage) (*BRDResult, error)
}
