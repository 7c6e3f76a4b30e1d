package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/tools"
	"github.com/tidewater-ai/keel/internal/tools/selector"
	"github.com/tidewater-ai/keel/internal/workflow"
)

// scriptedTransport replays one canned stream per generation call.
type scriptedTransport struct {
	streams  []iter.Seq2[*providers.Chunk, error]
	requests []providers.GenerateRequest
}

func (st *scriptedTransport) GenerateStream(_ context.Context, req providers.GenerateRequest) iter.Seq2[*providers.Chunk, error] {
	st.requests = append(st.requests, req)
	i := len(st.requests) - 1
	if i < len(st.streams) {
		return st.streams[i]
	}
	if n := len(st.streams); n > 0 {
		return st.streams[n-1]
	}
	return chunkStream(nil, nil)
}

type panickingTransport struct{}

func (panickingTransport) GenerateStream(context.Context, providers.GenerateRequest) iter.Seq2[*providers.Chunk, error] {
	panic("transport exploded")
}

type scriptedExec struct {
	calls   []string
	results map[string]any
}

func (e *scriptedExec) ExecuteTool(_ context.Context, name string, _ map[string]any, _ *session.State) (any, error) {
	e.calls = append(e.calls, name)
	if r, ok := e.results[name]; ok {
		return r, nil
	}
	return map[string]any{"status": "success"}, nil
}

func (e *scriptedExec) Definitions() []tools.Definition { return nil }

func fcChunk(name string, args map[string]any) *providers.Chunk {
	return &providers.Chunk{Parts: []providers.ChunkPart{{
		FunctionCall: &providers.FunctionCallDelta{Name: name, Args: args},
	}}}
}

func newTestEngine(t *testing.T, transport providers.Transport, exec tools.Executor) (*Engine, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Agent.SystemPrompt = "You are keel."

	catalog := tools.NewCatalog()
	require.NoError(t, catalog.Register(tools.Definition{
		Name:        "code_search",
		Description: "Search code.",
		Parameters: &tools.Schema{
			Type:       "object",
			Properties: map[string]*tools.Schema{"query": {Type: "string"}},
		},
	}))

	cache := selector.LoadCache(filepath.Join(t.TempDir(), "embeddings.json"), time.Hour)
	sel := selector.New(cfg.Selector, cfg.SchemaOpt, nil, cache)
	pipeline := tools.NewPipeline(exec, nil, cfg.Tools)

	return NewEngine(cfg, transport, sel, pipeline, catalog, workflow.NewRegistry()), cfg
}

func runTurn(e *Engine, sess *session.State, message string) []bus.Event {
	var events []bus.Event
	e.RunTurn(context.Background(), sess, message, func(ev bus.Event) {
		events = append(events, ev)
	})
	return events
}

func eventsOfType(events []bus.Event, t bus.EventType) []bus.Event {
	var out []bus.Event
	for _, ev := range events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func assertSingleCompleted(t *testing.T, events []bus.Event, status session.InteractionStatus) {
	t.Helper()
	completed := eventsOfType(events, bus.EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, bus.CompletedContent{Status: string(status)}, completed[0].Content)
	assert.Equal(t, bus.EventCompleted, events[len(events)-1].Type,
		"completed must be the final event")
}

func TestTurnGreetingFastPath(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{textChunk("Hello! How can I help?")}, nil),
	}}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")

	events := runTurn(e, sess, "hello")

	assertSingleCompleted(t, events, session.StatusCompletedOK)
	require.Len(t, transport.requests, 1)
	assert.Empty(t, transport.requests[0].Tools, "greetings bypass tool selection")

	assert.Equal(t, session.RoleSystem, sess.Messages[0].Role)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, session.RoleAssistant, last.Role)
	assert.Equal(t, "Hello! How can I help?", last.Content)
	assert.False(t, sess.IsStreaming)
	assert.Equal(t, 1, sess.Stats.LLMCalls)
}

func TestTurnToolCycleThenAnswer(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{
			fcChunk("code_search", map[string]any{"query": "login handler"}),
		}, nil),
		chunkStream([]*providers.Chunk{textChunk("The handler lives in auth.go.")}, nil),
	}}
	exec := &scriptedExec{results: map[string]any{
		"code_search": map[string]any{"status": "success", "matches": float64(1)},
	}}
	e, _ := newTestEngine(t, transport, exec)
	sess := session.New("s1")

	events := runTurn(e, sess, "find the login code")

	assertSingleCompleted(t, events, session.StatusCompletedOK)
	assert.Equal(t, []string{"code_search"}, exec.calls)
	require.Len(t, transport.requests, 2)
	assert.NotEmpty(t, transport.requests[0].Tools)
	// After a clean tool run the follow-up call gets no tools.
	assert.Empty(t, transport.requests[1].Tools)

	assert.Len(t, eventsOfType(events, bus.EventToolCalls), 1)
	assert.Len(t, eventsOfType(events, bus.EventToolResults), 1)

	// The log holds: system, user, assistant(fc), tool result, trace, answer.
	var sawToolMsg, sawAnswer bool
	for _, m := range sess.Messages {
		if m.Role == session.RoleTool && m.Name == "code_search" {
			sawToolMsg = true
		}
		if m.Role == session.RoleAssistant && m.Content == "The handler lives in auth.go." {
			sawAnswer = true
		}
	}
	assert.True(t, sawToolMsg)
	assert.True(t, sawAnswer)
	assert.Equal(t, 2, sess.Stats.LLMCalls)
	assert.Equal(t, 1, sess.Stats.ToolCalls)
}

func TestTurnToolCallWithoutTextGetsFallback(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{
			fcChunk("code_search", map[string]any{"query": "x"}),
		}, nil),
		chunkStream([]*providers.Chunk{textChunk("done")}, nil),
	}}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")

	runTurn(e, sess, "search the code for x")

	var fcMsg *session.Message
	for i := range sess.Messages {
		if len(sess.Messages[i].ToolCalls) > 0 {
			fcMsg = &sess.Messages[i]
			break
		}
	}
	require.NotNil(t, fcMsg)
	assert.Equal(t, "Okay, I need to use some tools.", fcMsg.Content)
}

func TestTurnEmptyResponse(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream(nil, nil),
	}}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")

	events := runTurn(e, sess, "hmm")

	assertSingleCompleted(t, events, session.StatusCompletedEmpty)
	last := sess.Messages[len(sess.Messages)-1]
	assert.True(t, last.IsInternal)
	assert.Equal(t, "[LLM returned no response]", last.Content)
}

func TestTurnLLMFailure(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream(nil, errors.New("503 service unavailable")),
	}}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")

	events := runTurn(e, sess, "hmm")

	assertSingleCompleted(t, events, session.StatusLLMFailure)
	require.Len(t, eventsOfType(events, bus.EventError), 1)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, msgLLMFailure, last.Content)
	assert.Contains(t, sess.CurrentStepError, "503")
}

func TestTurnHistoryCorruptionResets(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream(nil, errors.New("rpc error: invalid history: role alternation violated")),
	}}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")
	sess.Append(session.Message{Role: session.RoleUser, Content: "earlier"})
	sess.AddScratchpad(session.ScratchpadEntry{ToolName: "code_search"})

	events := runTurn(e, sess, "continue")

	assertSingleCompleted(t, events, session.StatusHistoryResetRequired)
	// System prompt plus the single explanation message survive.
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, session.RoleSystem, sess.Messages[0].Role)
	assert.Equal(t, session.RoleAssistant, sess.Messages[1].Role)
	assert.True(t, sess.Messages[1].IsError)
	assert.Empty(t, sess.Scratchpad)
	assert.Empty(t, sess.PreviousToolCalls)
}

func TestTurnMaxCyclesReached(t *testing.T) {
	// Every cycle requests the same tool again; the loop caps out.
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{
			fcChunk("code_search", map[string]any{"query": "loop"}),
		}, nil),
	}}
	e, cfg := newTestEngine(t, transport, &scriptedExec{})
	cfg.Agent.MaxToolCycles = 4
	sess := session.New("s1")

	events := runTurn(e, sess, "search the code for loop")

	assertSingleCompleted(t, events, session.StatusMaxCallsReached)
	assert.Len(t, transport.requests, 4)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Contains(t, last.Content, "maximum number of processing steps")
}

func TestTurnResolvesPendingCalls(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{textChunk("Picking up where we left off.")}, nil),
	}}
	exec := &scriptedExec{}
	e, _ := newTestEngine(t, transport, exec)

	sess := session.New("s1")
	sess.Append(session.Message{Role: session.RoleUser, Content: "search for x"})
	sess.Append(session.Message{
		Role:      session.RoleAssistant,
		Content:   "Okay, I need to use some tools.",
		ToolCalls: []session.ToolCallRequest{{ID: "p1", Name: "code_search", Arguments: `{"query":"x"}`}},
	})

	events := runTurn(e, sess, "any luck?")

	assertSingleCompleted(t, events, session.StatusCompletedOK)
	assert.Equal(t, []string{"code_search"}, exec.calls)

	var resolved bool
	for _, m := range sess.Messages {
		if m.Role == session.RoleTool && m.ToolCallID == "p1" {
			resolved = true
		}
	}
	assert.True(t, resolved)
	assert.Empty(t, sess.PendingToolCalls())
}

func TestTurnPermissionDeniedResultPrecedesApology(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{
			fcChunk("code_search", map[string]any{"query": "x"}),
		}, nil),
		chunkStream([]*providers.Chunk{textChunk("Code search is restricted for your account.")}, nil),
	}}
	exec := &scriptedExec{results: map[string]any{
		"code_search": map[string]any{"status": "PERMISSION_DENIED", "message": "no CODE_READ"},
	}}
	e, _ := newTestEngine(t, transport, exec)
	sess := session.New("s1")

	events := runTurn(e, sess, "search the code for x")
	assertSingleCompleted(t, events, session.StatusCompletedOK)

	// Log order: the denied tool result directly answers the function call,
	// and the apology comes after it.
	fcIdx, toolIdx, apologyIdx := -1, -1, -1
	for i, m := range sess.Messages {
		switch {
		case len(m.ToolCalls) > 0:
			fcIdx = i
		case m.Role == session.RoleTool && m.Name == "code_search":
			toolIdx = i
		case m.Role == session.RoleAssistant && strings.Contains(m.Content, "don't have permission"):
			apologyIdx = i
		}
	}
	require.GreaterOrEqual(t, fcIdx, 0)
	assert.Equal(t, fcIdx+1, toolIdx)
	assert.Greater(t, apologyIdx, toolIdx)
	assert.Contains(t, sess.Messages[toolIdx].Content, "PermissionDenied")

	// The next cycle sends the denied result to the provider, not a
	// placeholder, and keeps the apology turn.
	require.Len(t, transport.requests, 2)
	var deniedSent, apologySent, placeholderSent bool
	for _, turn := range transport.requests[1].Turns {
		for _, part := range turn.Parts {
			if part.FunctionResponse != nil {
				if part.FunctionResponse.Response["error"] == "PermissionDenied" {
					deniedSent = true
				}
				if strings.Contains(fmt.Sprintf("%v", part.FunctionResponse.Response), "No tool result was provided") {
					placeholderSent = true
				}
			}
			if strings.Contains(part.Text, "don't have permission") {
				apologySent = true
			}
		}
	}
	assert.True(t, deniedSent, "the denied tool result must reach the provider")
	assert.True(t, apologySent, "the apology must not be dropped by repair")
	assert.False(t, placeholderSent)
}

func TestTurnCriticalHistoryError(t *testing.T) {
	transport := &scriptedTransport{}
	e, _ := newTestEngine(t, transport, &scriptedExec{})
	sess := session.New("s1")
	// A lone tool message no assistant turn requested maps to nothing.
	sess.Append(session.Message{
		Role: session.RoleTool, ToolCallID: "ghost", Name: "code_search", Content: "{}",
	})

	events := runTurn(e, sess, "")

	assertSingleCompleted(t, events, session.StatusCriticalHistoryError)
	assert.Empty(t, transport.requests, "the model is never called with an empty sequence")
	require.NotEmpty(t, eventsOfType(events, bus.EventError))
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, msgHistoryErr, last.Content)
	assert.Contains(t, sess.CurrentStepError, "could not be repaired")
}

func TestTurnCriticalToolError(t *testing.T) {
	transport := &scriptedTransport{streams: []iter.Seq2[*providers.Chunk, error]{
		chunkStream([]*providers.Chunk{
			fcChunk("code_search", map[string]any{"query": "x"}),
		}, nil),
	}}
	exec := &scriptedExec{results: map[string]any{
		"code_search": map[string]any{"error": "index unavailable", "is_critical": true},
	}}
	e, _ := newTestEngine(t, transport, exec)
	sess := session.New("s1")

	events := runTurn(e, sess, "search the code for x")

	assertSingleCompleted(t, events, session.StatusToolError)
	require.NotEmpty(t, eventsOfType(events, bus.EventError))
	require.Len(t, transport.requests, 1, "no further cycles after a critical failure")
}

func TestTurnPanicRecovery(t *testing.T) {
	e, _ := newTestEngine(t, panickingTransport{}, &scriptedExec{})
	sess := session.New("s1")

	events := runTurn(e, sess, "boom")

	assertSingleCompleted(t, events, session.StatusUnexpectedAgentError)
	last := sess.Messages[len(sess.Messages)-1]
	assert.Equal(t, msgUnexpected, last.Content)
	assert.Contains(t, sess.CurrentStepError, "panic")
	assert.False(t, sess.IsStreaming)
}

func TestIsGreeting(t *testing.T) {
	assert.True(t, isGreeting("hello"))
	assert.True(t, isGreeting("  Hey! "))
	assert.True(t, isGreeting("thank you."))
	assert.False(t, isGreeting("hello, can you help me debug this?"))
	assert.False(t, isGreeting("help"))
	assert.False(t, isGreeting("hi there, list my repos"))
}

func TestHintsStoryCreation(t *testing.T) {
	assert.True(t, hintsStoryCreation("create a story for the login flow"))
	assert.True(t, hintsStoryCreation("draft a new ticket"))
	assert.True(t, hintsStoryCreation("file an issue about the crash"))
	assert.False(t, hintsStoryCreation("what issues are assigned to me"))
	assert.False(t, hintsStoryCreation("search the code"))
}
