package conversation

import "github.com/electra-ai/evaa/internal/store"

// Flag tells the frontend whether the assistant is ready for input.
type Flag string

const (
	FlagListening Flag = "listening"
	FlagThinking  Flag = "thinking"
)

// Input is one inbound websocket frame from the frontend. Audio and
// text are mutually exclusive in practice but both are accepted.
type Input struct {
	AudioChunk string `json:"audio_chunk,omitempty"` // base64 PCM
	TextPrompt string `json:"text_prompt,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// Output is the assistant's reply for one turn.
type Output struct {
	Response      string `json:"response"`
	NextStage     bool   `json:"next_stage"`
	FollowUpCount int    `json:"follow_up_count"`
}

// StageInfo is the payload of a stage-change event.
type StageInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Goal        string `json:"goal"`
	Order       int    `json:"order"`
}

// Channel is the frontend-facing duplex surface of one session. Send
// methods must be safe for concurrent use. SendError and EndSession
// are terminal: the channel closes after delivering them.
type Channel interface {
	ReadInput() (Input, error)

	SendFlag(flag Flag) error
	SendOutput(out Output, flag Flag) error
	SendStages(stages []store.Stage) error
	SendChatHistory(history map[string][]store.ChatMessage, currentStage string) error
	SendStageChange(stage StageInfo) error
	SendTranscription(text string) error

	SendError(msg string) error
	EndSession() error
}

func stageInfo(st store.Stage) StageInfo {
	return StageInfo{
		ID:          st.ID,
		Name:        st.Name,
		Description: st.Description,
		Goal:        st.Goal,
		Order:       st.Order,
	}
}
