// Package conversation drives one staged requirements interview per
// websocket connection: finalized utterances go to the LLM
// collaborator, the reply moves the session through the stage catalog,
// and everything the frontend needs is pushed as tagged events.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/electra-ai/evaa/internal/agent"
	"github.com/electra-ai/evaa/internal/eventlog"
	"github.com/electra-ai/evaa/internal/store"
	"github.com/electra-ai/evaa/internal/stt"
)

// inboundQueueSize bounds buffered frontend frames. Overflow is
// dropped, never blocked on.
const inboundQueueSize = 64

const (
	greetingPrompt = "Greet the user, introduce yourself and the purpose of this conversation, name the current stage and ask the first question of the stage."

	stageIntroPrompt = "The user has come to this stage from a previous stage. Give a very short summary of this stage and ask a follow-up question."
)

// Storage is the slice of the store a session needs.
type Storage interface {
	ActiveStages(ctx context.Context) ([]store.Stage, error)
	FindSessionMemory(ctx context.Context, sessionID string) (*store.SessionMemory, error)
	SaveSessionMemory(ctx context.Context, m *store.SessionMemory) error
}

// Generator runs one interviewer turn.
type Generator interface {
	Generate(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// TranscriberFactory builds the STT client once the session can hand
// it an utterance callback. A nil factory runs the session text-only.
type TranscriberFactory func(onUtterance stt.UtteranceFunc) (stt.Client, error)

// Session is the per-connection conversation state machine.
type Session struct {
	sessionID string
	store     Storage
	agent     Generator
	events    *eventlog.Logger
	logger    *zap.SugaredLogger

	transcriber stt.Client
	ch          Channel

	mu           sync.Mutex // guards flag, stages, stageIndex, completed
	flag         Flag
	stages       []store.Stage
	stageIndex   int
	isNewProject bool
	completed    bool

	// Owned by whichever goroutine holds the thinking flag.
	memory    *store.SessionMemory
	followUps int

	work chan Input
	ctx  context.Context
}

// Params collects the session dependencies; everything is injected.
type Params struct {
	SessionID      string
	Store          Storage
	Agent          Generator
	NewTranscriber TranscriberFactory
	Events         *eventlog.Logger
	Logger         *zap.SugaredLogger
}

func NewSession(p Params) (*Session, error) {
	if p.SessionID == "" {
		return nil, errors.New("conversation: session id is required")
	}
	if p.Store == nil {
		return nil, errors.New("conversation: store is required")
	}
	if p.Agent == nil {
		return nil, errors.New("conversation: agent is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	s := &Session{
		sessionID: p.SessionID,
		store:     p.Store,
		agent:     p.Agent,
		events:    p.Events,
		logger:    logger,
		flag:      FlagListening,
		work:      make(chan Input, inboundQueueSize),
	}

	if p.NewTranscriber != nil {
		tr, err := p.NewTranscriber(s.handleUtterance)
		if err != nil {
			return nil, err
		}
		s.transcriber = tr
	}
	return s, nil
}

// Run owns the connection until the frontend goes away or a terminal
// event is sent. It returns the first terminal processing error, or
// nil when the session ended normally.
func (s *Session) Run(ctx context.Context, ch Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx
	s.ch = ch

	s.logger.Infow("conversation session starting", "session_id", s.sessionID)
	s.events.LogAsync(s.sessionID, eventlog.EventSessionStarted, nil)

	if err := s.hydrate(ctx); err != nil {
		s.logger.Errorw("session hydrate failed", "session_id", s.sessionID, "err", err)
		sentry.CaptureException(err)
		_ = ch.SendError(err.Error())
		return err
	}

	if err := s.sendOpening(ctx); err != nil {
		return err
	}

	// Voice comes up only once stages and memory exist: the utterance
	// callback runs full turns against them.
	if s.transcriber != nil {
		if err := s.transcriber.Start(ctx); err != nil {
			// Voice input is unavailable; text input keeps working.
			s.logger.Warnw("transcription unavailable", "err", err)
			sentry.CaptureException(err)
		}
		defer func() { _ = s.transcriber.Finish() }()
	}

	// Single consumer keeps inbound frames in arrival order.
	var workErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for in := range s.work {
			if err := s.processInput(ctx, in); err != nil {
				workErr = err
				return
			}
		}
	}()

	readErr := s.readLoop()
	close(s.work)
	wg.Wait()

	s.events.LogAsync(s.sessionID, eventlog.EventSessionEnded, nil)
	s.logger.Infow("conversation session over",
		"session_id", s.sessionID, "read_err", readErr)
	return workErr
}

// hydrate loads the stage catalog and the session's memory. An
// unresolvable stage pointer falls back to the first stage and treats
// the session as a new project; an empty catalog is terminal.
func (s *Session) hydrate(ctx context.Context) error {
	stages, err := s.store.ActiveStages(ctx)
	if err != nil {
		return fmt.Errorf("load stages: %w", err)
	}
	if len(stages) == 0 {
		return errors.New("no active stages configured")
	}

	memory, err := s.store.FindSessionMemory(ctx, s.sessionID)
	if err != nil {
		return fmt.Errorf("load session memory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages = stages
	s.stageIndex = 0
	s.isNewProject = true

	if memory == nil {
		memory = &store.SessionMemory{
			SessionID:   s.sessionID,
			ChatHistory: map[string][]store.ChatMessage{},
		}
	} else if memory.CurrentStageID != nil {
		for i, st := range stages {
			if st.ID == *memory.CurrentStageID {
				s.stageIndex = i
				s.isNewProject = false
				break
			}
		}
	}
	if memory.ChatHistory == nil {
		memory.ChatHistory = map[string][]store.ChatMessage{}
	}

	stage := stages[s.stageIndex]
	memory.CurrentStageID = &stage.ID
	s.memory = memory
	return nil
}

func (s *Session) sendOpening(ctx context.Context) error {
	if err := s.ch.SendStages(s.stages); err != nil {
		return err
	}
	if err := s.ch.SendChatHistory(s.memory.ChatHistory, s.currentStage().Name); err != nil {
		return err
	}
	if s.isNewProject {
		if err := s.stageIntro(ctx, greetingPrompt); err != nil {
			return err
		}
	}
	return s.ch.SendFlag(FlagListening)
}

func (s *Session) readLoop() error {
	for {
		in, err := s.ch.ReadInput()
		if err != nil {
			return err
		}
		s.dispatch(in)
	}
}

// dispatch gates and enqueues one frame. The flag check and the
// enqueue happen under the same lock, so a frame cannot slip through
// between a flag flip and the queue.
func (s *Session) dispatch(in Input) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.flag != FlagListening {
		s.logger.Debugw("dropping input while thinking", "session_id", s.sessionID)
		return
	}
	select {
	case s.work <- in:
	default:
		s.logger.Warnw("inbound queue full, dropping frame", "session_id", s.sessionID)
	}
}

func (s *Session) processInput(ctx context.Context, in Input) error {
	if in.AudioChunk != "" && s.transcriber != nil {
		_ = s.transcriber.SendAudioChunk(ctx, stt.DecodeChunk(in.AudioChunk))
	}
	if text := strings.TrimSpace(in.TextPrompt); text != "" {
		return s.handleTurn(ctx, text)
	}
	return nil
}

// handleUtterance receives finalized voice turns from the STT client.
func (s *Session) handleUtterance(text string) {
	if err := s.handleTurn(s.ctx, text); err != nil {
		s.logger.Errorw("voice turn failed", "session_id", s.sessionID, "err", err)
	}
}

// handleTurn runs one full user turn. Exactly one turn is in flight
// at a time: the thinking flag is claimed under the lock and a turn
// arriving meanwhile is dropped.
func (s *Session) handleTurn(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.flag != FlagListening {
		s.mu.Unlock()
		s.logger.Debugw("dropping concurrent turn", "session_id", s.sessionID)
		return nil
	}
	s.flag = FlagThinking
	s.mu.Unlock()

	if err := s.ch.SendTranscription(text); err != nil {
		return err
	}
	if err := s.ch.SendFlag(FlagThinking); err != nil {
		return err
	}
	s.events.LogAsync(s.sessionID, eventlog.EventTurnFinalized, map[string]any{"chars": len(text)})
	s.appendChat("human", text)

	stage := s.currentStage()
	resp, err := s.agent.Generate(ctx, agent.Request{
		UserText:      text,
		Stage:         agent.StageContext{Name: stage.Name, Description: stage.Description, Goal: stage.Goal},
		FollowUpCount: s.followUps,
		Messages:      s.memory.Messages,
	})
	if err != nil || !resp.Success {
		if err == nil {
			err = errors.New("agent returned failure")
		}
		s.fail(err)
		return err
	}

	s.followUps = resp.FollowUpCount
	s.memory.Messages = resp.Messages
	s.appendChat("ai", resp.Response)
	s.events.LogAsync(s.sessionID, eventlog.EventAgentCompleted, map[string]any{"next_stage": resp.NextStage})

	out := Output{Response: resp.Response, NextStage: resp.NextStage, FollowUpCount: resp.FollowUpCount}
	if err := s.ch.SendOutput(out, FlagThinking); err != nil {
		return err
	}

	if resp.NextStage {
		advanced, err := s.advanceStage(ctx)
		if err != nil {
			s.fail(err)
			return err
		}
		if !advanced {
			// Last stage is done; the interview is over.
			if err := s.persist(ctx); err != nil {
				s.logger.Warnw("final persist failed", "err", err)
			}
			s.mu.Lock()
			s.completed = true
			s.mu.Unlock()
			return s.ch.EndSession()
		}
	}

	if err := s.persist(ctx); err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	s.flag = FlagListening
	s.mu.Unlock()
	return s.ch.SendFlag(FlagListening)
}

// advanceStage moves to the next stage and runs its intro turn.
// Returns false when there is no next stage.
func (s *Session) advanceStage(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.stageIndex+1 >= len(s.stages) {
		s.mu.Unlock()
		return false, nil
	}
	s.stageIndex++
	stage := s.stages[s.stageIndex]
	s.mu.Unlock()

	s.followUps = 0
	s.memory.CurrentStageID = &stage.ID

	s.events.LogAsync(s.sessionID, eventlog.EventStageAdvanced, map[string]any{"stage": stage.Name})
	if err := s.ch.SendStageChange(stageInfo(stage)); err != nil {
		return false, err
	}
	if err := s.stageIntro(ctx, stageIntroPrompt); err != nil {
		return false, err
	}
	return true, nil
}

// stageIntro runs a scripted prompt through the agent and sends the
// reply. An intro reply never advances the stage on its own.
func (s *Session) stageIntro(ctx context.Context, prompt string) error {
	stage := s.currentStage()
	resp, err := s.agent.Generate(ctx, agent.Request{
		UserText: prompt,
		Stage:    agent.StageContext{Name: stage.Name, Description: stage.Description, Goal: stage.Goal},
		Messages: s.memory.Messages,
	})
	if err != nil || !resp.Success {
		if err == nil {
			err = errors.New("agent returned failure")
		}
		s.fail(err)
		return err
	}

	s.memory.Messages = resp.Messages
	s.appendChat("ai", resp.Response)
	if err := s.ch.SendOutput(Output{Response: resp.Response}, FlagThinking); err != nil {
		return err
	}
	return s.persist(ctx)
}

func (s *Session) appendChat(msgType, content string) {
	stage := s.currentStage()
	s.memory.ChatHistory[stage.Name] = append(s.memory.ChatHistory[stage.Name],
		store.ChatMessage{Type: msgType, Content: content})
}

func (s *Session) persist(ctx context.Context) error {
	if err := s.store.SaveSessionMemory(ctx, s.memory); err != nil {
		return fmt.Errorf("save session memory: %w", err)
	}
	return nil
}

// Completed reports whether the interview walked through the whole
// stage catalog.
func (s *Session) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

func (s *Session) currentStage() store.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stages[s.stageIndex]
}

// fail reports a terminal turn failure and sends the error event.
func (s *Session) fail(err error) {
	s.logger.Errorw("conversation turn failed", "session_id", s.sessionID, "err", err)
	sentry.CaptureException(err)
	s.events.LogAsync(s.sessionID, eventlog.EventAgentError, map[string]any{"error": err.Error()})
	if serr := s.ch.SendError("the assistant hit an internal error"); serr != nil {
		s.logger.Debugw("error event delivery failed", "err", serr)
	}
}
