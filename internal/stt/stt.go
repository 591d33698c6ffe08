// Package stt streams microphone audio to Deepgram over a websocket and
// reports finalized user utterances back to the conversation layer.
//
// Two clients share the same connection core: FluxClient relies on the
// provider's end-of-turn detection, LiveClient merges raw partial
// transcripts itself.
package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"time"
)

const (
	// Silence keep-alive cadence while no audio is flowing.
	heartbeatInterval = 3 * time.Second
	silenceFrameSize  = 1024

	maxReconnectAttempts = 5
	maxBackoff           = 10 * time.Second

	defaultSampleRate = 16000
)

// ErrReconnectExhausted is reported through OnTerminal once the client
// gives up reconnecting for good.
var ErrReconnectExhausted = errors.New("stt: reconnect attempts exhausted")

var (
	errNotConnected = errors.New("stt: not connected")
	errFinished     = errors.New("stt: stream already finished")
)

// UtteranceFunc receives one finalized user utterance per detected turn.
type UtteranceFunc func(text string)

// Client is the transcription surface the conversation layer depends on.
type Client interface {
	// Start dials the provider. No-op when already connected.
	Start(ctx context.Context) error

	// SendAudioChunk forwards raw PCM audio. Fire and forget: when the
	// connection is down the chunk is dropped and a reconnect is
	// triggered instead.
	SendAudioChunk(ctx context.Context, chunk []byte) error

	// Finish closes the stream for good. Idempotent.
	Finish() error
}

// DecodeChunk decodes a base64 audio payload, falling back to the raw
// bytes when the payload is not valid base64.
func DecodeChunk(payload string) []byte {
	if b, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return b
	}
	return []byte(payload)
}
