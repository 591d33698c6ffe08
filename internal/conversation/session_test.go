package conversation

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/electra-ai/evaa/internal/agent"
	"github.com/electra-ai/evaa/internal/store"
	"github.com/electra-ai/evaa/internal/stt"
)

// fakeChannel records outbound events in order and serves scripted
// inputs. Terminal events unblock ReadInput.
type fakeChannel struct {
	mu             sync.Mutex
	inputs         chan Input
	done           chan struct{}
	closeOnce      sync.Once
	tags           []string
	outputs        []Output
	flags          []Flag
	stageChanges   []StageInfo
	transcriptions []string
	errorMsgs      []string
	ended          bool
}

func newFakeChannel(inputs ...Input) *fakeChannel {
	ch := &fakeChannel{
		inputs: make(chan Input, len(inputs)+1),
		done:   make(chan struct{}),
	}
	for _, in := range inputs {
		ch.inputs <- in
	}
	close(ch.inputs)
	return ch
}

func (c *fakeChannel) record(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags = append(c.tags, tag)
}

func (c *fakeChannel) ReadInput() (Input, error) {
	select {
	case <-c.done:
		return Input{}, io.EOF
	case in, ok := <-c.inputs:
		if !ok {
			return Input{}, io.EOF
		}
		return in, nil
	}
}

func (c *fakeChannel) SendFlag(flag Flag) error {
	c.record("flag:" + string(flag))
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = append(c.flags, flag)
	return nil
}

func (c *fakeChannel) SendOutput(out Output, flag Flag) error {
	c.record("output")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputs = append(c.outputs, out)
	return nil
}

func (c *fakeChannel) SendStages(stages []store.Stage) error {
	c.record("all_stages")
	return nil
}

func (c *fakeChannel) SendChatHistory(history map[string][]store.ChatMessage, currentStage string) error {
	c.record("chat_history:" + currentStage)
	return nil
}

func (c *fakeChannel) SendStageChange(stage StageInfo) error {
	c.record("next_stage:" + stage.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stageChanges = append(c.stageChanges, stage)
	return nil
}

func (c *fakeChannel) SendTranscription(text string) error {
	c.record("user_transcription")
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcriptions = append(c.transcriptions, text)
	return nil
}

func (c *fakeChannel) SendError(msg string) error {
	c.record("error")
	c.mu.Lock()
	c.errorMsgs = append(c.errorMsgs, msg)
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeChannel) EndSession() error {
	c.record("end_session")
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	stages  []store.Stage
	memory  *store.SessionMemory
	saves   int
	saveErr error
}

func (f *fakeStore) ActiveStages(context.Context) ([]store.Stage, error) {
	return f.stages, nil
}

func (f *fakeStore) FindSessionMemory(context.Context, string) (*store.SessionMemory, error) {
	return f.memory, nil
}

func (f *fakeStore) SaveSessionMemory(_ context.Context, m *store.SessionMemory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves++
	f.memory = m
	return nil
}

type fakeAgent struct {
	mu        sync.Mutex
	requests  []agent.Request
	responses []*agent.Response
	err       error
}

func (f *fakeAgent) Generate(_ context.Context, req agent.Request) (*agent.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &agent.Response{Success: true, Response: "ok", Messages: json.RawMessage(`[]`)}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type fakeTranscriber struct {
	mu       sync.Mutex
	started  bool
	finished bool
	chunks   [][]byte
}

func (f *fakeTranscriber) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTranscriber) SendAudioChunk(_ context.Context, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeTranscriber) Finish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = true
	return nil
}

// eagerTranscriber fires an utterance the moment it starts, like a
// provider delivering a turn right after the stream opens.
type eagerTranscriber struct {
	fakeTranscriber
	onUtterance stt.UtteranceFunc
	utterance   string
}

func (f *eagerTranscriber) Start(ctx context.Context) error {
	_ = f.fakeTranscriber.Start(ctx)
	f.onUtterance(f.utterance)
	return nil
}

func testStages(n int) []store.Stage {
	stages := make([]store.Stage, n)
	for i := range stages {
		stages[i] = store.Stage{
			ID:          fmt.Sprintf("stage-%d", i+1),
			Name:        fmt.Sprintf("Stage %d", i+1),
			Description: fmt.Sprintf("Description %d", i+1),
			Goal:        fmt.Sprintf("Goal %d", i+1),
			Order:       i + 1,
			IsActive:    true,
		}
	}
	return stages
}

func reply(text string, nextStage bool) *agent.Response {
	return &agent.Response{
		Success:   true,
		Response:  text,
		NextStage: nextStage,
		Messages:  json.RawMessage(`[{"role":"assistant","content":"` + text + `"}]`),
	}
}

func newTestSession(t *testing.T, st *fakeStore, ag *fakeAgent, tr TranscriberFactory) *Session {
	t.Helper()
	s, err := NewSession(Params{
		SessionID:      "session-1",
		Store:          st,
		Agent:          ag,
		NewTranscriber: tr,
	})
	require.NoError(t, err)
	return s
}

func TestNewSessionValidation(t *testing.T) {
	_, err := NewSession(Params{Store: &fakeStore{}, Agent: &fakeAgent{}})
	assert.Error(t, err)

	_, err = NewSession(Params{SessionID: "s", Agent: &fakeAgent{}})
	assert.Error(t, err)

	_, err = NewSession(Params{SessionID: "s", Store: &fakeStore{}})
	assert.Error(t, err)
}

func TestRunGreetsNewProject(t *testing.T) {
	st := &fakeStore{stages: testStages(2)}
	ag := &fakeAgent{responses: []*agent.Response{reply("welcome!", false)}}
	s := newTestSession(t, st, ag, nil)

	ch := newFakeChannel()
	require.NoError(t, s.Run(context.Background(), ch))

	// Opening sequence: catalog, history, greeting output, listening.
	require.Equal(t, []string{
		"all_stages", "chat_history:Stage 1", "output", "flag:listening",
	}, ch.tags)

	require.Len(t, ag.requests, 1)
	assert.Equal(t, greetingPrompt, ag.requests[0].UserText)
	assert.Equal(t, "Stage 1", ag.requests[0].Stage.Name)

	require.NotNil(t, st.memory)
	require.NotNil(t, st.memory.CurrentStageID)
	assert.Equal(t, "stage-1", *st.memory.CurrentStageID)
	require.Len(t, st.memory.ChatHistory["Stage 1"], 1)
	assert.Equal(t, "ai", st.memory.ChatHistory["Stage 1"][0].Type)
	assert.Equal(t, "welcome!", st.memory.ChatHistory["Stage 1"][0].Content)
}

func TestRunResumesKnownStageWithoutGreeting(t *testing.T) {
	stages := testStages(3)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[1].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{}
	s := newTestSession(t, st, ag, nil)

	ch := newFakeChannel()
	require.NoError(t, s.Run(context.Background(), ch))

	assert.Equal(t, []string{
		"all_stages", "chat_history:Stage 2", "flag:listening",
	}, ch.tags)
	assert.Empty(t, ag.requests, "resuming a known stage asks the agent nothing")
}

func TestRunFallsBackOnStaleStagePointer(t *testing.T) {
	stale := "stage-gone"
	st := &fakeStore{
		stages: testStages(2),
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stale,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{responses: []*agent.Response{reply("hello again", false)}}
	s := newTestSession(t, st, ag, nil)

	ch := newFakeChannel()
	require.NoError(t, s.Run(context.Background(), ch))

	// Treated as a fresh project on the first stage.
	require.Len(t, ag.requests, 1)
	assert.Equal(t, greetingPrompt, ag.requests[0].UserText)
	assert.Equal(t, "Stage 1", ag.requests[0].Stage.Name)
	require.NotNil(t, st.memory.CurrentStageID)
	assert.Equal(t, "stage-1", *st.memory.CurrentStageID)
}

func TestRunEmptyCatalogIsTerminal(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st, &fakeAgent{}, nil)

	ch := newFakeChannel()
	err := s.Run(context.Background(), ch)
	require.Error(t, err)
	require.Len(t, ch.errorMsgs, 1)
	assert.Contains(t, ch.errorMsgs[0], "no active stages")
}

func TestRunProcessesTextTurn(t *testing.T) {
	stages := testStages(2)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{responses: []*agent.Response{reply("tell me more", false)}}
	s := newTestSession(t, st, ag, nil)

	ch := newFakeChannel(Input{TextPrompt: "I want a todo app", SessionID: "session-1"})
	require.NoError(t, s.Run(context.Background(), ch))

	assert.Equal(t, []string{
		"all_stages", "chat_history:Stage 1", "flag:listening",
		"user_transcription", "flag:thinking", "output", "flag:listening",
	}, ch.tags)
	assert.Equal(t, []string{"I want a todo app"}, ch.transcriptions)

	require.Len(t, ag.requests, 1)
	assert.Equal(t, "I want a todo app", ag.requests[0].UserText)

	history := st.memory.ChatHistory["Stage 1"]
	require.Len(t, history, 2)
	assert.Equal(t, store.ChatMessage{Type: "human", Content: "I want a todo app"}, history[0])
	assert.Equal(t, store.ChatMessage{Type: "ai", Content: "tell me more"}, history[1])
}

func TestRunForwardsAudioToTranscriber(t *testing.T) {
	stages := testStages(1)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	tr := &fakeTranscriber{}
	factory := func(stt.UtteranceFunc) (stt.Client, error) { return tr, nil }
	s := newTestSession(t, st, &fakeAgent{}, factory)

	pcm := []byte{1, 2, 3, 4}
	ch := newFakeChannel(Input{AudioChunk: base64.StdEncoding.EncodeToString(pcm)})
	require.NoError(t, s.Run(context.Background(), ch))

	assert.True(t, tr.started)
	assert.True(t, tr.finished)
	require.Len(t, tr.chunks, 1)
	assert.Equal(t, pcm, tr.chunks[0])
}

// An utterance arriving the instant the transcriber starts must land
// on fully hydrated session state, never on a nil memory or an empty
// stage catalog.
func TestUtteranceAtStartupRunsAgainstHydratedState(t *testing.T) {
	stages := testStages(2)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{responses: []*agent.Response{reply("noted", false)}}

	var tr *eagerTranscriber
	factory := func(on stt.UtteranceFunc) (stt.Client, error) {
		tr = &eagerTranscriber{onUtterance: on, utterance: "early words"}
		return tr, nil
	}
	s := newTestSession(t, st, ag, factory)

	ch := newFakeChannel()
	require.NotPanics(t, func() {
		require.NoError(t, s.Run(context.Background(), ch))
	})

	// The early turn ran as a normal turn, after the opening events.
	assert.Equal(t, []string{
		"all_stages", "chat_history:Stage 1", "flag:listening",
		"user_transcription", "flag:thinking", "output", "flag:listening",
	}, ch.tags)

	require.Len(t, ag.requests, 1)
	assert.Equal(t, "early words", ag.requests[0].UserText)

	history := st.memory.ChatHistory["Stage 1"]
	require.Len(t, history, 2)
	assert.Equal(t, store.ChatMessage{Type: "human", Content: "early words"}, history[0])
	assert.Equal(t, store.ChatMessage{Type: "ai", Content: "noted"}, history[1])
	assert.True(t, tr.finished)
}

func TestAgentFailureIsTerminal(t *testing.T) {
	stages := testStages(2)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{err: errors.New("model unavailable")}
	s := newTestSession(t, st, ag, nil)

	ch := newFakeChannel(Input{TextPrompt: "hello"})
	err := s.Run(context.Background(), ch)
	require.Error(t, err)
	require.Len(t, ch.errorMsgs, 1)

	// The flag never went back to listening after the failed turn.
	assert.Equal(t, FlagThinking, ch.flags[len(ch.flags)-1])
}

// Three stages, every user turn advances: the session walks the whole
// catalog and ends after the last stage, and intro replies never
// advance on their own.
func TestAdvanceThroughAllStagesEndsSession(t *testing.T) {
	stages := testStages(3)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{responses: []*agent.Response{
		reply("stage one done", true),
		reply("intro two", true), // intro reply; next_stage must be ignored
		reply("stage two done", true),
		reply("intro three", true),
		reply("all done", true),
	}}
	s := newTestSession(t, st, ag, nil)

	ctx := context.Background()
	require.NoError(t, s.hydrate(ctx))
	ch := newFakeChannel()
	s.ctx = ctx
	s.ch = ch

	require.NoError(t, s.handleTurn(ctx, "first answer"))
	require.NoError(t, s.handleTurn(ctx, "second answer"))
	require.NoError(t, s.handleTurn(ctx, "third answer"))

	require.Len(t, ch.stageChanges, 2)
	assert.Equal(t, "Stage 2", ch.stageChanges[0].Name)
	assert.Equal(t, "Stage 3", ch.stageChanges[1].Name)
	assert.True(t, ch.ended)
	assert.Empty(t, ch.errorMsgs)

	require.NotNil(t, st.memory.CurrentStageID)
	assert.Equal(t, "stage-3", *st.memory.CurrentStageID)

	// Two advance turns, two intros, one final turn.
	assert.Len(t, ag.requests, 5)
	assert.Equal(t, stageIntroPrompt, ag.requests[1].UserText)
	assert.Equal(t, stageIntroPrompt, ag.requests[3].UserText)
}

func TestDispatchDropsWhileThinking(t *testing.T) {
	s := newTestSession(t, &fakeStore{stages: testStages(1)}, &fakeAgent{}, nil)

	s.dispatch(Input{TextPrompt: "one"})
	assert.Len(t, s.work, 1)

	s.mu.Lock()
	s.flag = FlagThinking
	s.mu.Unlock()

	s.dispatch(Input{TextPrompt: "two"})
	assert.Len(t, s.work, 1, "frames while thinking are dropped")
}

func TestDispatchDropsOnFullQueue(t *testing.T) {
	s := newTestSession(t, &fakeStore{stages: testStages(1)}, &fakeAgent{}, nil)

	for i := 0; i < inboundQueueSize+10; i++ {
		s.dispatch(Input{TextPrompt: "x"})
	}
	assert.Len(t, s.work, inboundQueueSize)
}

func TestTurnWhileThinkingIsDropped(t *testing.T) {
	stages := testStages(1)
	st := &fakeStore{
		stages: stages,
		memory: &store.SessionMemory{
			SessionID:      "session-1",
			CurrentStageID: &stages[0].ID,
			ChatHistory:    map[string][]store.ChatMessage{},
		},
	}
	ag := &fakeAgent{}
	s := newTestSession(t, st, ag, nil)

	ctx := context.Background()
	require.NoError(t, s.hydrate(ctx))
	s.ctx = ctx
	s.ch = newFakeChannel()

	s.mu.Lock()
	s.flag = FlagThinking
	s.mu.Unlock()

	require.NoError(t, s.handleTurn(ctx, "should be dropped"))
	assert.Empty(t, ag.requests)
}
