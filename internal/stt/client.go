package stt

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var silenceFrame = make([]byte, silenceFrameSize)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// client is the connection core shared by FluxClient and LiveClient:
// dialing, keep-alive heartbeats, capped-backoff reconnects and
// teardown. Provider frames are handed to the owning client's handle
// function untouched.
type client struct {
	url         string
	apiKey      string
	handle      func(msg []byte)
	onTerminal  func(error)
	onReconnect func(attempt int)
	logger      *zap.SugaredLogger

	mu        sync.Mutex // guards conn, connDone, connected, lastSend, attempts, failed
	conn      *websocket.Conn
	connDone  chan struct{}
	connected bool
	lastSend  time.Time
	attempts  int
	failed    bool

	// Collapses concurrent disconnect triggers into a single reconnect.
	reconnectMu sync.Mutex

	terminalOnce sync.Once
	finishOnce   sync.Once
	finished     atomic.Bool

	ctx context.Context

	maxAttempts int
	now         func() time.Time
}

type clientParams struct {
	url         string
	apiKey      string
	handle      func(msg []byte)
	onTerminal  func(error)
	onReconnect func(attempt int)
	logger      *zap.SugaredLogger
}

func newClient(p clientParams) *client {
	logger := p.logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &client{
		url:         p.url,
		apiKey:      p.apiKey,
		handle:      p.handle,
		onTerminal:  p.onTerminal,
		onReconnect: p.onReconnect,
		logger:      logger,
		ctx:         context.Background(),
		maxAttempts: maxReconnectAttempts,
		now:         time.Now,
	}
}

// Start dials the provider and spawns the receive and heartbeat loops.
// No-op when already connected. On failure the client stays
// disconnected and the error is returned; retrying is the caller's
// call (audio sends trigger the reconnect path).
func (c *client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *client) dial(ctx context.Context) error {
	if c.finished.Load() {
		return errFinished
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.apiKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, headers)
	if err != nil {
		return fmt.Errorf("stt: dial: %w", err)
	}

	done := make(chan struct{})

	c.mu.Lock()
	// Finish may have landed while the dial was in flight.
	if c.finished.Load() {
		c.mu.Unlock()
		_ = conn.Close()
		return errFinished
	}
	c.conn = conn
	c.connDone = done
	c.connected = true
	c.lastSend = c.now()
	c.attempts = 0
	c.mu.Unlock()

	go c.readLoop(conn, done)
	go c.heartbeatLoop(done)

	c.logger.Infow("transcription stream connected", "url", c.url)
	return nil
}

// SendAudioChunk writes one binary audio frame. When the connection is
// down the chunk is dropped and a reconnect attempt is kicked off.
func (c *client) SendAudioChunk(_ context.Context, chunk []byte) error {
	if c.finished.Load() {
		return nil
	}
	if err := c.send(websocket.BinaryMessage, chunk); err != nil {
		if err != errNotConnected {
			c.logger.Warnw("audio send failed", "err", err)
		}
		go c.handleDisconnect()
	}
	return nil
}

func (c *client) send(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return errNotConnected
	}
	c.lastSend = c.now()
	return c.conn.WriteMessage(messageType, data)
}

// Finish closes the stream for good. Idempotent; no reconnects after.
func (c *client) Finish() error {
	c.finishOnce.Do(func() {
		c.finished.Store(true)
		_ = c.send(websocket.TextMessage, closeStreamMsg)
		c.teardown()
		c.logger.Infow("transcription stream finished")
	})
	return nil
}

func (c *client) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
				return // deliberate teardown
			default:
			}
			if c.finished.Load() {
				return
			}
			c.logger.Warnw("transcription read failed", "err", err)
			c.handleDisconnect()
			return
		}
		c.handle(msg)
	}
}

// heartbeatLoop keeps the provider from idling the stream out: after
// heartbeatInterval without outbound audio it sends a frame of silence.
func (c *client) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := c.now().Sub(c.lastSend) >= heartbeatInterval
			c.mu.Unlock()
			if !idle {
				continue
			}
			if err := c.send(websocket.BinaryMessage, silenceFrame); err != nil {
				if !c.finished.Load() {
					c.logger.Debugw("heartbeat send failed", "err", err)
					go c.handleDisconnect()
				}
				return
			}
		}
	}
}

// handleDisconnect tears the connection down and schedules one
// reconnect. Concurrent triggers (audio sender, receive loop,
// heartbeat) collapse into a single attempt; after Finish or a
// terminal failure it is a no-op.
func (c *client) handleDisconnect() {
	if !c.reconnectMu.TryLock() {
		return
	}
	defer c.reconnectMu.Unlock()

	if c.finished.Load() {
		return
	}

	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return
	}
	attempts := c.attempts
	c.mu.Unlock()

	c.teardown()

	if attempts >= c.maxAttempts {
		c.markFailed()
		return
	}

	delay := backoffDelay(attempts)
	c.logger.Infow("transcription reconnect scheduled",
		"attempt", attempts+1, "max_attempts", c.maxAttempts, "delay", delay)
	if c.onReconnect != nil {
		c.onReconnect(attempts + 1)
	}

	select {
	case <-c.ctx.Done():
		return
	case <-time.After(delay):
	}

	// Finish may have landed during the backoff sleep.
	if c.finished.Load() {
		return
	}

	c.mu.Lock()
	c.attempts = attempts + 1
	c.mu.Unlock()

	if err := c.dial(c.ctx); err != nil {
		c.logger.Warnw("transcription reconnect failed", "attempt", attempts+1, "err", err)
	}
}

func (c *client) markFailed() {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()

	c.terminalOnce.Do(func() {
		c.logger.Errorw("transcription stream lost for good", "attempts", c.maxAttempts)
		if c.onTerminal != nil {
			c.onTerminal(ErrReconnectExhausted)
		}
	})
}

func (c *client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// backoffDelay computes the sleep before reconnect attempt n (counted
// from zero): 2^n seconds plus up to one second of jitter, capped at
// maxBackoff.
func backoffDelay(attempts int) time.Duration {
	seconds := math.Exp2(float64(attempts)) + rand.Float64()
	if limit := maxBackoff.Seconds(); seconds > limit {
		seconds = limit
	}
	return time.Duration(seconds * float64(time.Second))
}
