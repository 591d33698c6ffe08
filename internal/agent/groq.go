package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const groqAPIURL = "https://api.groq.com/openai/v1/chat/completions"

const defaultModel = "openai/gpt-oss-120b"

// GroqClient implements Client against Groq's chat-completions API.
type GroqClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

// GroqConfig holds configuration for the Groq client.
type GroqConfig struct {
	APIKey string
	Model  string // e.g. "openai/gpt-oss-120b"
	Logger *zap.SugaredLogger
}

// NewGroqClient creates a new Groq client.
func NewGroqClient(cfg GroqConfig) *GroqClient {
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &GroqClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    groqAPIURL,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// chatRequest represents a chat completion request.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse represents a chat completion response.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate runs one interviewer turn: prior transcript plus the new
// user text go in, a JSON decision comes back.
func (c *GroqClient) Generate(ctx context.Context, req Request) (*Response, error) {
	prior := c.decodeMessages(req.Messages)

	msgs := make([]chatMessage, 0, len(prior)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: interviewerSystemPrompt(req.Stage, req.FollowUpCount)})
	msgs = append(msgs, prior...)
	msgs = append(msgs, chatMessage{Role: "user", Content: req.UserText})

	content, err := c.complete(ctx, msgs, 0.3, 700)
	if err != nil {
		return nil, err
	}

	var decision struct {
		Response      string `json:"response"`
		NextStage     bool   `json:"next_stage"`
		FollowUpCount int    `json:"follow_up_count"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &decision); err != nil {
		return nil, fmt.Errorf("failed to parse interviewer reply: %w (content: %s)", err, content)
	}

	updated := append(prior,
		chatMessage{Role: "user", Content: req.UserText},
		chatMessage{Role: "assistant", Content: decision.Response},
	)
	transcript, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}

	return &Response{
		Success:       true,
		Response:      decision.Response,
		NextStage:     decision.NextStage,
		FollowUpCount: decision.FollowUpCount,
		Messages:      transcript,
	}, nil
}

// GenerateBRD builds a BRD and mermaid diagram from the conversation
// transcript.
func (c *GroqClient) GenerateBRD(ctx context.Context, sessionID string, messages json.RawMessage) (*BRDResult, error) {
	history := "[]"
	if len(messages) > 0 {
		history = string(messages)
	}

	msgs := []chatMessage{
		{Role: "system", Content: brdSystemPrompt},
		{Role: "user", Content: brdUserPrompt(sessionID, history)},
	}

	content, err := c.complete(ctx, msgs, 0.2, 4000)
	if err != nil {
		return nil, err
	}

	var doc struct {
		BRDContent        string `json:"brd_content"`
		MermaidDiagram    string `json:"mermaid_diagram"`
		HasSufficientData bool   `json:"has_sufficient_data"`
		Message           string `json:"message"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse brd reply: %w (content: %s)", err, content)
	}

	return &BRDResult{
		Content:           doc.BRDContent,
		MermaidDiagram:    doc.MermaidDiagram,
		HasSufficientData: doc.HasSufficientData,
		Message:           doc.Message,
	}, nil
}

func (c *GroqClient) complete(ctx context.Context, msgs []chatMessage, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("groq API error: %s - %s", resp.Status, string(respBody))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// decodeMessages parses the opaque transcript. Corrupt history starts
// the conversation fresh rather than failing the turn.
func (c *GroqClient) decodeMessages(raw json.RawMessage) []chatMessage {
	if len(raw) == 0 {
		return nil
	}
	var msgs []chatMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		c.logger.Warnw("discarding unreadable conversation transcript", "err", err)
		return nil
	}
	return msgs
}

// stripFences removes a markdown code fence around a JSON reply.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	return strings.TrimSpace(content)
}
