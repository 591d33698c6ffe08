package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/gorilla/websocket"

	"github.com/electra-ai/evaa/internal/conversation"
	"github.com/electra-ai/evaa/internal/eventlog"
	"github.com/electra-ai/evaa/internal/store"
	"github.com/electra-ai/evaa/internal/stt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsChannel adapts one websocket connection to the conversation
// channel contract. Every outbound frame is an envelope with an
// "event" tag; writes are serialized through a mutex because gorilla
// allows only one concurrent writer.
type wsChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func (c *wsChannel) writeEvent(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(wsEnvelope{Event: event, Data: data})
}

// ReadInput blocks for the next parseable frame. Malformed frames are
// skipped rather than tearing down the connection.
func (c *wsChannel) ReadInput() (conversation.Input, error) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return conversation.Input{}, err
		}
		var in conversation.Input
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		return in, nil
	}
}

func (c *wsChannel) SendFlag(flag conversation.Flag) error {
	return c.writeEvent("flag", string(flag))
}

func (c *wsChannel) SendOutput(out conversation.Output, flag conversation.Flag) error {
	return c.writeEvent("output", map[string]any{
		"response":        out.Response,
		"next_stage":      out.NextStage,
		"follow_up_count": out.FollowUpCount,
		"flag":            string(flag),
	})
}

func (c *wsChannel) SendStages(stages []store.Stage) error {
	return c.writeEvent("all_stages", stages)
}

func (c *wsChannel) SendChatHistory(history map[string][]store.ChatMessage, currentStage string) error {
	return c.writeEvent("chat_history", map[string]any{
		"history":       history,
		"current_stage": currentStage,
	})
}

func (c *wsChannel) SendStageChange(stage conversation.StageInfo) error {
	return c.writeEvent("next_stage", stage)
}

func (c *wsChannel) SendTranscription(text string) error {
	return c.writeEvent("user_transcription", text)
}

// SendError is terminal: the frame is delivered and the socket closes
// with an internal-error status.
func (c *wsChannel) SendError(msg string) error {
	err := c.writeEvent("error", msg)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session error"))
	_ = c.conn.Close()
	return err
}

// EndSession is terminal: the frontend is told the interview is over
// and the socket closes normally.
func (c *wsChannel) EndSession() error {
	err := c.writeEvent("end_session", nil)
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session complete"))
	_ = c.conn.Close()
	return err
}

func (r *Router) handleConversationWS(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("sessionID")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id is required"})
		return
	}

	if r.cfg.JWTSecret != "" {
		// Browsers cannot set headers on websocket dials, so the token
		// rides in the query string.
		claims, err := r.parseSessionToken(req.URL.Query().Get("token"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		if claims.SessionID != "" && claims.SessionID != sessionID {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "token is for another session"})
			return
		}
	}

	if r.cfg.DeepgramAPIKey == "" || r.cfg.GroqAPIKey == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "voice services are not configured"})
		return
	}

	sess, err := conversation.NewSession(conversation.Params{
		SessionID:      sessionID,
		Store:          r.store,
		Agent:          r.agent,
		NewTranscriber: r.transcriberFactory(sessionID),
		Events:         r.eventLog,
		Logger:         r.logger,
	})
	if err != nil {
		r.logger.Errorw("building session failed", "session_id", sessionID, "err", err)
		captureError(req, err, "building conversation session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not start session"})
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warnw("websocket upgrade failed", "session_id", sessionID, "err", err)
		return
	}

	ch := &wsChannel{conn: conn}
	if err := sess.Run(req.Context(), ch); err != nil {
		r.logger.Errorw("conversation session failed", "session_id", sessionID, "err", err)
	}
	_ = conn.Close()

	if sess.Completed() {
		stages, _ := r.store.ActiveStages(req.Context())
		r.discord.NotifySessionCompleted(req.Context(), sessionID, len(stages))
	}
}

// transcriberFactory builds the STT client for one session according
// to the configured mode.
func (r *Router) transcriberFactory(sessionID string) conversation.TranscriberFactory {
	return func(onUtterance stt.UtteranceFunc) (stt.Client, error) {
		cfg := stt.Config{
			APIKey:     r.cfg.DeepgramAPIKey,
			SampleRate: r.cfg.STTSampleRate,
			Logger:     r.logger,
			OnReconnect: func(attempt int) {
				r.logger.Warnw("transcription reconnecting", "session_id", sessionID, "attempt", attempt)
				r.eventLog.LogAsync(sessionID, eventlog.EventSTTReconnect, map[string]any{"attempt": attempt})
			},
			OnTerminal: func(err error) {
				r.logger.Errorw("transcription gave up reconnecting", "session_id", sessionID, "err", err)
				sentry.CaptureException(err)
				r.eventLog.LogAsync(sessionID, eventlog.EventSTTTerminal, map[string]any{"error": err.Error()})
			},
		}

		switch r.cfg.STTMode {
		case "", "flux":
			return stt.NewFluxClient(cfg, onUtterance)
		case "live":
			var debugPath string
			if r.cfg.STTDebugAudioDir != "" {
				debugPath = filepath.Join(r.cfg.STTDebugAudioDir, sessionID+".wav")
			}
			return stt.NewLiveClient(cfg, onUtterance, debugPath)
		default:
			return nil, fmt.Errorf("unknown stt mode %q", r.cfg.STTMode)
		}
	}
}
