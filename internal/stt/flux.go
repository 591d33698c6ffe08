package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const fluxWSURL = "wss://api.deepgram.com/v2/listen"

const (
	// A turn is finalized only above this end-of-turn confidence.
	endOfTurnThreshold = 0.6
	// And only when the previous finalized turn is older than this.
	minTurnGap = 5 * time.Second
)

// Config holds the shared settings for both transcription clients.
type Config struct {
	APIKey      string
	Model       string // per-mode default when empty
	SampleRate  int    // PCM sample rate, defaults to 16 kHz
	OnTerminal  func(error)
	OnReconnect func(attempt int)
	Logger      *zap.SugaredLogger
}

// fluxEvent is the subset of Flux websocket frames we care about.
type fluxEvent struct {
	Type                string  `json:"type"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Description         string  `json:"description"`
}

// FluxClient streams audio to Deepgram Flux and leans on the
// provider's end-of-turn detection: a TurnInfo frame finalizes the
// whole turn transcript at once, gated by confidence and turn spacing.
type FluxClient struct {
	*client
	onUtterance UtteranceFunc

	turnMu         sync.Mutex
	lastTurnAt     time.Time
	lastTranscript string
}

// NewFluxClient builds the client without dialing; Start connects.
func NewFluxClient(cfg Config, onUtterance UtteranceFunc) (*FluxClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stt: api key is required")
	}
	if onUtterance == nil {
		return nil, errors.New("stt: utterance callback is required")
	}

	model := cfg.Model
	if model == "" {
		model = "flux-general-en"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}

	f := &FluxClient{onUtterance: onUtterance}
	f.client = newClient(clientParams{
		url: fmt.Sprintf("%s?model=%s&encoding=linear16&sample_rate=%d",
			fluxWSURL, model, sampleRate),
		apiKey:      cfg.APIKey,
		handle:      f.handleFrame,
		onTerminal:  cfg.OnTerminal,
		onReconnect: cfg.OnReconnect,
		logger:      cfg.Logger,
	})
	return f, nil
}

func (f *FluxClient) handleFrame(msg []byte) {
	var ev fluxEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		f.logger.Debugw("unparseable transcription frame", "err", err)
		return
	}

	switch ev.Type {
	case "TurnInfo":
		f.handleTurn(ev.Transcript, ev.EndOfTurnConfidence)
	case "Error":
		f.logger.Warnw("transcription provider error", "description", ev.Description)
		go f.handleDisconnect()
	case "Close":
		go f.handleDisconnect()
	}
}

// handleTurn finalizes a turn when the transcript is new, the provider
// is confident the speaker is done, and the previous turn is not too
// recent. At most one utterance fires per accepted turn.
func (f *FluxClient) handleTurn(transcript string, confidence float64) {
	text := strings.TrimSpace(transcript)
	if text == "" {
		return
	}

	f.turnMu.Lock()
	if text == f.lastTranscript {
		f.turnMu.Unlock()
		return
	}
	if confidence <= endOfTurnThreshold {
		f.turnMu.Unlock()
		return
	}
	now := f.now()
	if !f.lastTurnAt.IsZero() && now.Sub(f.lastTurnAt) <= minTurnGap {
		f.turnMu.Unlock()
		return
	}
	f.lastTurnAt = now
	f.lastTranscript = text
	f.turnMu.Unlock()

	f.logger.Infow("turn finalized", "confidence", confidence, "chars", len(text))
	f.onUtterance(text)
}
