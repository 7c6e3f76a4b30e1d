package agent

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
)

// synthesisPhrases mark model text that claims to summarize tool output. When
// detected, the processor appends a grounded summary of the actual results.
var synthesisPhrases = []string{
	"based on the tool results",
	"according to the tool",
	"the tool returned",
	"as shown by the tool",
	"from the data provided by",
}

// StreamResult is the outcome of consuming one provider stream.
type StreamResult struct {
	Text      string
	ToolCalls []session.ToolCallRequest
	Usage     *providers.Usage
	Warnings  []string
	Err       error
}

// assembledCall accumulates one function call across chunks. Args stays `any`
// until finalization because providers fragment it as maps, lists of maps, or
// opaque values.
type assembledCall struct {
	id   string
	name string
	args any
}

// streamProcessor consumes one provider stream, emitting text deltas as they
// arrive and assembling fragmented function calls.
type streamProcessor struct {
	synthesize bool
}

// process drains the stream. Text deltas are appended to the session's
// streaming placeholder and emitted immediately; tool calls are returned
// finalized in encounter order. A mid-stream provider error stops consumption
// and is returned for classification; everything assembled so far is kept.
func (sp *streamProcessor) process(ctx context.Context, stream iter.Seq2[*providers.Chunk, error], sess *session.State, toolResults []session.Message, emit bus.EmitFunc) StreamResult {
	var res StreamResult
	var text strings.Builder
	calls := make(map[string]*assembledCall)
	var order []string

	for chunk, err := range stream {
		if err != nil {
			res.Err = err
			break
		}
		if chunk == nil {
			continue
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			res.Usage = &u
		}
		for _, part := range chunk.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
				sess.StreamingPlaceholder += part.Text
				emit(bus.Event{Type: bus.EventTextChunk, Content: part.Text})
				continue
			}
			if fc := part.FunctionCall; fc != nil {
				if fc.Name == "" {
					res.Warnings = append(res.Warnings, "function call fragment without a name")
					continue
				}
				ac, ok := calls[fc.Name]
				if !ok {
					ac = &assembledCall{name: fc.Name}
					calls[fc.Name] = ac
					order = append(order, fc.Name)
				}
				if fc.ID != "" {
					ac.id = fc.ID
				}
				ac.args = mergeArgs(ac.args, fc.Args)
			}
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}
	}

	res.Text = text.String()

	for _, name := range order {
		ac := calls[name]
		res.ToolCalls = append(res.ToolCalls, session.ToolCallRequest{
			ID:        finalCallID(ac),
			Name:      ac.name,
			Arguments: serializeArgs(ac.args),
		})
	}

	if sp.synthesize && res.Err == nil && len(res.ToolCalls) == 0 {
		if extra := synthesizeFromResults(res.Text, toolResults); extra != "" {
			res.Text += extra
			sess.StreamingPlaceholder += extra
			emit(bus.Event{Type: bus.EventTextChunk, Content: extra})
		}
	}

	return res
}

// mergeArgs folds a chunk's args fragment into the accumulated value. Map
// fragments merge key-wise; list-of-map fragments merge each record in order;
// anything else replaces the accumulator.
func mergeArgs(acc, incoming any) any {
	if incoming == nil {
		return acc
	}
	switch in := incoming.(type) {
	case map[string]any:
		m, ok := acc.(map[string]any)
		if !ok {
			m = make(map[string]any, len(in))
		}
		for k, v := range in {
			m[k] = v
		}
		return m
	case []any:
		out := acc
		for _, item := range in {
			if rec, ok := item.(map[string]any); ok {
				out = mergeArgs(out, rec)
			}
		}
		return out
	default:
		return incoming
	}
}

// finalCallID keeps a provider-supplied id, otherwise mints a stable local
// one: "call_<name>_<8 hex>".
func finalCallID(ac *assembledCall) string {
	if ac.id != "" {
		return ac.id
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "call_" + ac.name + "_" + suffix
}

func serializeArgs(args any) string {
	if args == nil {
		return "{}"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf(`{"raw_arguments":%q}`, fmt.Sprintf("%v", args))
	}
	return string(raw)
}

// synthesizeFromResults appends a grounded summary when the model's text
// claims to describe tool output from the previous cycle.
func synthesizeFromResults(text string, toolResults []session.Message) string {
	if len(toolResults) == 0 || text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	matched := false
	for _, phrase := range synthesisPhrases {
		if strings.Contains(lower, phrase) {
			matched = true
			break
		}
	}
	if !matched {
		return ""
	}

	succeeded, failed := 0, 0
	var b strings.Builder
	b.WriteString("\n\n---\nTool result summary:\n")
	for _, m := range toolResults {
		if m.Role != session.RoleTool {
			continue
		}
		if m.IsError {
			failed++
		} else {
			succeeded++
		}
		fmt.Fprintf(&b, "- %s: %s\n", m.Name, previewText(m.Content, 120))
	}
	fmt.Fprintf(&b, "(%d succeeded, %d failed)", succeeded, failed)
	return b.String()
}
