package agent

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
)

func chunkStream(chunks []*providers.Chunk, finalErr error) iter.Seq2[*providers.Chunk, error] {
	return func(yield func(*providers.Chunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if finalErr != nil {
			yield(nil, finalErr)
		}
	}
}

func textChunk(text string) *providers.Chunk {
	return &providers.Chunk{Parts: []providers.ChunkPart{{Text: text}}}
}

func collectEvents(events *[]bus.Event) bus.EmitFunc {
	return func(ev bus.Event) { *events = append(*events, ev) }
}

func TestStreamTextDeltas(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")
	var events []bus.Event

	res := sp.process(context.Background(), chunkStream([]*providers.Chunk{
		textChunk("Hello, "),
		textChunk("world."),
	}, nil), sess, nil, collectEvents(&events))

	assert.NoError(t, res.Err)
	assert.Equal(t, "Hello, world.", res.Text)
	assert.Equal(t, "Hello, world.", sess.StreamingPlaceholder)
	require.Len(t, events, 2)
	assert.Equal(t, bus.EventTextChunk, events[0].Type)
	assert.Equal(t, "Hello, ", events[0].Content)
}

func TestStreamAssemblesFragmentedCall(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")

	chunks := []*providers.Chunk{
		{Parts: []providers.ChunkPart{{FunctionCall: &providers.FunctionCallDelta{
			Name: "code_search", Args: map[string]any{"query": "login"},
		}}}},
		{Parts: []providers.ChunkPart{{FunctionCall: &providers.FunctionCallDelta{
			Name: "code_search", Args: map[string]any{"limit": float64(5)},
		}}}},
	}
	res := sp.process(context.Background(), chunkStream(chunks, nil), sess, nil, func(bus.Event) {})

	require.Len(t, res.ToolCalls, 1)
	tc := res.ToolCalls[0]
	assert.Equal(t, "code_search", tc.Name)
	assert.True(t, strings.HasPrefix(tc.ID, "call_code_search_"), tc.ID)
	assert.Len(t, tc.ID, len("call_code_search_")+8)

	var args map[string]any
	require.NoError(t, json.Unmarshal([]byte(tc.Arguments), &args))
	assert.Equal(t, map[string]any{"query": "login", "limit": float64(5)}, args)
}

func TestStreamKeepsProviderCallID(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")

	chunks := []*providers.Chunk{
		{Parts: []providers.ChunkPart{{FunctionCall: &providers.FunctionCallDelta{
			ID: "prov-42", Name: "code_search", Args: map[string]any{"query": "x"},
		}}}},
	}
	res := sp.process(context.Background(), chunkStream(chunks, nil), sess, nil, func(bus.Event) {})
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "prov-42", res.ToolCalls[0].ID)
}

func TestStreamMultipleCallsKeepOrder(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")

	chunks := []*providers.Chunk{
		{Parts: []providers.ChunkPart{
			{FunctionCall: &providers.FunctionCallDelta{Name: "code_search", Args: map[string]any{"q": "a"}}},
			{FunctionCall: &providers.FunctionCallDelta{Name: "web_search", Args: map[string]any{"q": "b"}}},
		}},
	}
	res := sp.process(context.Background(), chunkStream(chunks, nil), sess, nil, func(bus.Event) {})
	require.Len(t, res.ToolCalls, 2)
	assert.Equal(t, "code_search", res.ToolCalls[0].Name)
	assert.Equal(t, "web_search", res.ToolCalls[1].Name)
}

func TestStreamUsageFromLastChunk(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")

	chunks := []*providers.Chunk{
		{Parts: []providers.ChunkPart{{Text: "a"}}, Usage: &providers.Usage{TotalTokens: 10}},
		{Parts: []providers.ChunkPart{{Text: "b"}}, Usage: &providers.Usage{TotalTokens: 25}},
	}
	res := sp.process(context.Background(), chunkStream(chunks, nil), sess, nil, func(bus.Event) {})
	require.NotNil(t, res.Usage)
	assert.Equal(t, 25, res.Usage.TotalTokens)
}

func TestStreamMidStreamError(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")
	boom := errors.New("connection reset")

	res := sp.process(context.Background(), chunkStream([]*providers.Chunk{
		textChunk("partial "),
	}, boom), sess, nil, func(bus.Event) {})

	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "partial ", res.Text)
}

func TestStreamNamelessFragmentWarns(t *testing.T) {
	sp := &streamProcessor{}
	sess := session.New("s1")

	chunks := []*providers.Chunk{
		{Parts: []providers.ChunkPart{{FunctionCall: &providers.FunctionCallDelta{
			Args: map[string]any{"q": "x"},
		}}}},
	}
	res := sp.process(context.Background(), chunkStream(chunks, nil), sess, nil, func(bus.Event) {})
	assert.Empty(t, res.ToolCalls)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "without a name")
}

func TestStreamSynthesisAppended(t *testing.T) {
	sp := &streamProcessor{synthesize: true}
	sess := session.New("s1")
	toolResults := []session.Message{
		{Role: session.RoleTool, Name: "code_search", Content: `{"matches":3}`},
		{Role: session.RoleTool, Name: "web_search", Content: `{"error":"timeout"}`, IsError: true},
	}
	var events []bus.Event

	res := sp.process(context.Background(), chunkStream([]*providers.Chunk{
		textChunk("Based on the tool results, three matches exist."),
	}, nil), sess, toolResults, collectEvents(&events))

	assert.Contains(t, res.Text, "---\nTool result summary:")
	assert.Contains(t, res.Text, "- code_search:")
	assert.Contains(t, res.Text, "(1 succeeded, 1 failed)")
	// The synthesized block is also streamed and recorded.
	assert.Equal(t, res.Text, sess.StreamingPlaceholder)
	assert.Len(t, events, 2)
}

func TestStreamSynthesisSkippedCases(t *testing.T) {
	toolResults := []session.Message{
		{Role: session.RoleTool, Name: "code_search", Content: "{}"},
	}

	t.Run("no trigger phrase", func(t *testing.T) {
		sp := &streamProcessor{synthesize: true}
		sess := session.New("s1")
		res := sp.process(context.Background(), chunkStream([]*providers.Chunk{
			textChunk("Here is my answer."),
		}, nil), sess, toolResults, func(bus.Event) {})
		assert.NotContains(t, res.Text, "Tool result summary")
	})

	t.Run("tool calls present", func(t *testing.T) {
		sp := &streamProcessor{synthesize: true}
		sess := session.New("s1")
		chunks := []*providers.Chunk{
			textChunk("Based on the tool results, I need more data."),
			{Parts: []providers.ChunkPart{{FunctionCall: &providers.FunctionCallDelta{
				Name: "code_search", Args: map[string]any{"q": "more"},
			}}}},
		}
		res := sp.process(context.Background(), chunkStream(chunks, nil), sess, toolResults, func(bus.Event) {})
		assert.NotContains(t, res.Text, "Tool result summary")
	})

	t.Run("disabled", func(t *testing.T) {
		sp := &streamProcessor{synthesize: false}
		sess := session.New("s1")
		res := sp.process(context.Background(), chunkStream([]*providers.Chunk{
			textChunk("Based on the tool results, done."),
		}, nil), sess, toolResults, func(bus.Event) {})
		assert.NotContains(t, res.Text, "Tool result summary")
	})
}

func TestMergeArgs(t *testing.T) {
	// Map fragments merge key-wise.
	got := mergeArgs(map[string]any{"a": 1}, map[string]any{"b": 2})
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, got)

	// Nil leaves the accumulator alone.
	assert.Equal(t, map[string]any{"a": 1}, mergeArgs(map[string]any{"a": 1}, nil))

	// List-of-map fragments merge each record in order.
	got = mergeArgs(nil, []any{
		map[string]any{"a": 1},
		map[string]any{"a": 2, "b": 3},
	})
	assert.Equal(t, map[string]any{"a": 2, "b": 3}, got)

	// Scalar fragments replace.
	assert.Equal(t, "raw", mergeArgs(map[string]any{"a": 1}, "raw"))
}

func TestSerializeArgs(t *testing.T) {
	assert.Equal(t, "{}", serializeArgs(nil))
	assert.JSONEq(t, `{"a":1}`, serializeArgs(map[string]any{"a": 1}))
}
