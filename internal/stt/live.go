package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/electra-ai/evaa/internal/transcript"
)

const liveWSURL = "wss://api.deepgram.com/v1/listen"

// liveEvent is a Deepgram Live (v1) results frame.
type liveEvent struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// LiveClient streams audio to the Deepgram Live endpoint and assembles
// turns itself: every partial transcript is merged into a rolling
// buffer, and the buffer is finalized when the endpoint flags the end
// of speech.
type LiveClient struct {
	*client
	onUtterance UtteranceFunc

	bufMu  sync.Mutex
	buffer string

	audio *AudioWriter // optional debug recording of outbound audio
}

// NewLiveClient builds the client without dialing; Start connects.
// When debugAudioPath is non-empty, outbound audio is also written to
// a WAV file at that path.
func NewLiveClient(cfg Config, onUtterance UtteranceFunc, debugAudioPath string) (*LiveClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stt: api key is required")
	}
	if onUtterance == nil {
		return nil, errors.New("stt: utterance callback is required")
	}

	model := cfg.Model
	if model == "" {
		model = "nova-3"
	}
	sampleRate := cfg.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}

	l := &LiveClient{onUtterance: onUtterance}
	l.client = newClient(clientParams{
		url: fmt.Sprintf("%s?model=%s&encoding=linear16&sample_rate=%d&interim_results=true&punctuate=true",
			liveWSURL, model, sampleRate),
		apiKey:      cfg.APIKey,
		handle:      l.handleFrame,
		onTerminal:  cfg.OnTerminal,
		onReconnect: cfg.OnReconnect,
		logger:      cfg.Logger,
	})

	if debugAudioPath != "" {
		w, err := NewAudioWriter(debugAudioPath, sampleRate)
		if err != nil {
			return nil, fmt.Errorf("stt: debug audio: %w", err)
		}
		l.audio = w
	}
	return l, nil
}

// SendAudioChunk tees the chunk into the debug recording before
// handing it to the connection core.
func (l *LiveClient) SendAudioChunk(ctx context.Context, chunk []byte) error {
	if l.audio != nil {
		_, _ = l.audio.Write(chunk)
	}
	return l.client.SendAudioChunk(ctx, chunk)
}

func (l *LiveClient) Finish() error {
	err := l.client.Finish()
	if l.audio != nil {
		if cerr := l.audio.Close(); cerr != nil {
			l.logger.Warnw("closing debug audio failed", "err", cerr)
		}
	}
	return err
}

func (l *LiveClient) handleFrame(msg []byte) {
	var ev liveEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		l.logger.Debugw("unparseable transcription frame", "err", err)
		return
	}
	if ev.Type != "Results" {
		return
	}

	var text string
	if len(ev.Channel.Alternatives) > 0 {
		text = strings.TrimSpace(ev.Channel.Alternatives[0].Transcript)
	}

	l.bufMu.Lock()
	if text != "" {
		l.buffer = transcript.Merge(l.buffer, text)
	}
	var finalized string
	if ev.SpeechFinal {
		finalized = l.buffer
		l.buffer = ""
	}
	l.bufMu.Unlock()

	if finalized != "" {
		l.logger.Infow("turn finalized", "chars", len(finalized))
		l.onUtterance(finalized)
	}
}
