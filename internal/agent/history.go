package agent

import (
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrHistoryResetRequired signals that the conversation log cannot be
// repaired into a provider-consumable sequence and the reset procedure ran.
var ErrHistoryResetRequired = errors.New("history reset required")

// ErrUnrepairableHistory reports that repair discarded the entire
// conversation; nothing valid remains to send to the provider.
var ErrUnrepairableHistory = errors.New("conversation log could not be repaired into a valid turn sequence")

// historyResetExplanation is the single assistant message left behind by the
// reset procedure.
const historyResetExplanation = "I'm sorry, I ran into a problem with our conversation history and had to start fresh. Previous context has been cleared; please repeat anything I still need to know."

// corruptionPatterns are provider error fragments that indicate the sent
// history violated the provider's sequence rules. Matching is case-insensitive.
var corruptionPatterns = []string{
	"alternation",
	"tool' must follow",
	"must follow 'model'",
	"must follow 'tool'",
	"function_call",
	"invalid history",
	"proto field",
	"unknown field",
}

// IsHistoryCorruptionError reports whether a provider error indicates a
// corrupted conversation sequence rather than a transient failure. Safety
// blocks are never corruption.
func IsHistoryCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "safety") || strings.Contains(msg, "blocked") {
		return false
	}
	for _, pat := range corruptionPatterns {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	// A generic 400 without a safety tag is treated as a malformed request,
	// which for a streaming generate call means the history we sent.
	return strings.Contains(msg, "400") && strings.Contains(msg, "invalid")
}

// importantInternalCap bounds how many recent internal workflow-stage,
// reflection and plan messages survive optimization.
const importantInternalCap = 5

// Preparer turns the session message log into the provider turn sequence,
// repairing minor ordering violations along the way.
type Preparer struct {
	maxItems int
}

func NewPreparer(maxItems int) *Preparer {
	if maxItems <= 0 {
		maxItems = 30
	}
	return &Preparer{maxItems: maxItems}
}

// draftTurn is an intermediate turn carrying the internal flag the repair
// pass needs.
type draftTurn struct {
	turn     providers.Turn
	internal bool
}

// Prepare builds the provider sequence for one LLM call. Warnings describe
// every repair that was applied; the caller logs them. The error is
// ErrUnrepairableHistory when repair dropped every surviving message.
func (p *Preparer) Prepare(messages []session.Message, scratchpad []session.ScratchpadEntry) ([]providers.Turn, []string, error) {
	var warnings []string

	kept := filterMessages(messages)
	kept = p.optimize(kept)
	kept = injectScratchpad(kept, scratchpad)

	draft, warnings := mapToProvider(kept, warnings)
	turns, warnings := repairSequence(draft, warnings)

	if len(turns) == 0 && len(kept) > 0 {
		return nil, warnings, fmt.Errorf("%w (discarded %d messages)", ErrUnrepairableHistory, len(kept))
	}
	return turns, warnings, nil
}

// filterMessages drops plain system messages (the system prompt travels
// out-of-band) and internal messages without a recognized type.
func filterMessages(messages []session.Message) []session.Message {
	out := make([]session.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case session.RoleSystem:
			if m.Type == session.TypeWorkflowStage {
				out = append(out, m)
			}
		case session.RoleUser, session.RoleAssistant, session.RoleTool:
			if m.IsInternal && !internalTypeKept(m.Type) {
				continue
			}
			out = append(out, m)
		}
	}
	return out
}

func internalTypeKept(t string) bool {
	switch t {
	case session.TypeWorkflowStage, session.TypeThought, session.TypeReflection,
		session.TypePlan, session.TypeContextSummary:
		return true
	}
	return false
}

// optimize trims the filtered log to the item budget: system-like entries
// always survive, then the most recent important internal messages, then the
// most recent conversation messages in chronological order.
func (p *Preparer) optimize(messages []session.Message) []session.Message {
	if len(messages) <= p.maxItems {
		return messages
	}

	type indexed struct {
		idx int
		msg session.Message
	}
	var systemLike, importantInternal, conversation []indexed
	for i, m := range messages {
		switch {
		case m.Role == session.RoleSystem:
			systemLike = append(systemLike, indexed{i, m})
		case m.IsInternal && (m.Type == session.TypeWorkflowStage ||
			m.Type == session.TypeReflection || m.Type == session.TypePlan):
			importantInternal = append(importantInternal, indexed{i, m})
		default:
			conversation = append(conversation, indexed{i, m})
		}
	}

	if len(importantInternal) > importantInternalCap {
		importantInternal = importantInternal[len(importantInternal)-importantInternalCap:]
	}

	budget := p.maxItems - len(systemLike) - len(importantInternal)
	if budget < 0 {
		budget = 0
	}
	if len(conversation) > budget {
		conversation = conversation[len(conversation)-budget:]
	}

	selected := append(append(systemLike, importantInternal...), conversation...)
	// Restore chronological order.
	for i := 1; i < len(selected); i++ {
		for j := i; j > 0 && selected[j].idx < selected[j-1].idx; j-- {
			selected[j], selected[j-1] = selected[j-1], selected[j]
		}
	}

	out := make([]session.Message, len(selected))
	for i, s := range selected {
		out[i] = s.msg
	}
	return out
}

// injectScratchpad synthesizes a memory-context message from the newest
// scratchpad entries unless one is already present.
func injectScratchpad(messages []session.Message, scratchpad []session.ScratchpadEntry) []session.Message {
	if len(scratchpad) == 0 {
		return messages
	}
	for _, m := range messages {
		if m.Type == session.TypeContextSummary {
			return messages
		}
	}

	var b strings.Builder
	b.WriteString("===== MEMORY CONTEXT =====\nRecent tool activity:\n")
	shown := 0
	for i := len(scratchpad) - 1; i >= 0 && shown < 5; i-- {
		e := scratchpad[i]
		fmt.Fprintf(&b, "- Tool: %s, Args: %s, Result: %s (Time: %s)\n",
			e.ToolName, previewText(e.ToolInput, 80), previewText(e.Summary, 120),
			e.Timestamp.Format("15:04:05"))
		shown++
	}

	memory := session.Message{
		Role:       session.RoleAssistant,
		Content:    strings.TrimRight(b.String(), "\n"),
		IsInternal: true,
		Type:       session.TypeContextSummary,
	}

	insertAt := 0
	for insertAt < len(messages) && messages[insertAt].Role == session.RoleSystem {
		insertAt++
	}
	out := make([]session.Message, 0, len(messages)+1)
	out = append(out, messages[:insertAt]...)
	out = append(out, memory)
	out = append(out, messages[insertAt:]...)
	return out
}

// mapToProvider converts messages into draft turns and reconciles tool
// messages against the function calls the preceding model turns emitted.
func mapToProvider(messages []session.Message, warnings []string) ([]draftTurn, []string) {
	type expectedCall struct {
		id, name string
	}
	var draft []draftTurn
	var expected []expectedCall

	removeExpected := func(id string) {
		for i, e := range expected {
			if e.id == id {
				expected = append(expected[:i], expected[i+1:]...)
				return
			}
		}
	}

	for _, m := range messages {
		switch m.Role {
		case session.RoleUser:
			draft = append(draft, draftTurn{
				turn: providers.Turn{Role: providers.RoleUser, Parts: []providers.Part{providers.TextPart(m.Content)}},
			})

		case session.RoleSystem:
			// Workflow-stage context rides as an annotated model turn.
			draft = append(draft, draftTurn{
				turn:     providers.Turn{Role: providers.RoleModel, Parts: []providers.Part{providers.TextPart("[WORKFLOW] " + m.Content)}},
				internal: true,
			})

		case session.RoleAssistant:
			var parts []providers.Part
			if m.Content != "" {
				parts = append(parts, providers.TextPart(wrapInternal(m)))
			}
			for _, tc := range m.ToolCalls {
				args, err := parseArgs(tc.Arguments)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("unparseable args for call %s (%s): %v", tc.ID, tc.Name, err))
					args = map[string]any{"raw_arguments": tc.Arguments}
				}
				parts = append(parts, providers.Part{FunctionCall: &providers.FunctionCall{
					ID: tc.ID, Name: tc.Name, Args: args,
				}})
				expected = append(expected, expectedCall{tc.ID, tc.Name})
			}
			if len(parts) == 0 {
				continue
			}
			draft = append(draft, draftTurn{
				turn:     providers.Turn{Role: providers.RoleModel, Parts: parts},
				internal: m.IsInternal,
			})

		case session.RoleTool:
			id := m.ToolCallID
			name := m.Name
			if id == "" && len(expected) == 1 {
				id = expected[0].id
				name = expected[0].name
				warnings = append(warnings, fmt.Sprintf("tool message without id matched to pending call %s", id))
			}
			matched := false
			for _, e := range expected {
				if e.id == id {
					matched = true
					if name != e.name {
						warnings = append(warnings, fmt.Sprintf("tool message name %q repaired to %q for call %s", name, e.name, id))
						name = e.name
					}
					break
				}
			}
			if !matched {
				warnings = append(warnings, fmt.Sprintf("dropping tool message with unexpected id %q (%s)", m.ToolCallID, m.Name))
				continue
			}
			removeExpected(id)

			draft = append(draft, draftTurn{
				turn: providers.Turn{Role: providers.RoleTool, Parts: []providers.Part{{
					FunctionResponse: &providers.FunctionResponse{ID: id, Name: name, Response: toolResponsePayload(m.Content)},
				}}},
			})
		}
	}
	return draft, warnings
}

// wrapInternal tags internal assistant text with its type so the model can
// distinguish its own meta-context from prior replies.
func wrapInternal(m session.Message) string {
	if !m.IsInternal || m.Type == "" || m.Type == session.TypeContextSummary {
		return m.Content
	}
	return "[" + strings.ToUpper(m.Type) + "] " + m.Content
}

func parseArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// toolResponsePayload parses tool message content into the function-response
// map, wrapping non-object and unparseable content.
func toolResponsePayload(content string) map[string]any {
	if strings.TrimSpace(content) == "" {
		return map[string]any{"result": "Tool returned empty content."}
	}
	var payload any
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return map[string]any{"result": content}
	}
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": payload}
}

// repairSequence enforces the provider's alternation rules over the draft,
// inserting placeholder turns where the log has gaps.
func repairSequence(draft []draftTurn, warnings []string) ([]providers.Turn, []string) {
	var out []providers.Turn

	last := func() *providers.Turn {
		if len(out) == 0 {
			return nil
		}
		return &out[len(out)-1]
	}

	placeholderModel := func() providers.Turn {
		return providers.Turn{Role: providers.RoleModel, Parts: []providers.Part{providers.TextPart("Okay.")}}
	}

	// Unanswered calls of the most recent emitted model turn.
	var open []*providers.FunctionCall

	closeOpen := func(reason string) {
		for _, fc := range open {
			warnings = append(warnings, fmt.Sprintf("inserted placeholder result for call %s (%s): %s", fc.ID, fc.Name, reason))
			out = append(out, providers.Turn{Role: providers.RoleTool, Parts: []providers.Part{{
				FunctionResponse: &providers.FunctionResponse{
					ID:   fc.ID,
					Name: fc.Name,
					Response: map[string]any{
						"result": fmt.Sprintf("[No tool result was provided for %s]", fc.Name),
					},
				},
			}}},
			)
		}
		open = nil
	}

	for i := 0; i < len(draft); i++ {
		d := draft[i]
		turn := d.turn
		prev := last()

		switch turn.Role {
		case providers.RoleUser:
			if len(open) > 0 {
				closeOpen("user message arrived before tool results")
				out = append(out, placeholderModel())
				warnings = append(warnings, "inserted placeholder model turn after placeholder results")
			} else if prev != nil && prev.Role == providers.RoleUser {
				out = append(out, placeholderModel())
				warnings = append(warnings, "inserted placeholder model turn between consecutive user turns")
			} else if prev != nil && prev.Role == providers.RoleTool {
				out = append(out, placeholderModel())
				warnings = append(warnings, "inserted placeholder model turn between tool results and user turn")
			}
			out = append(out, turn)

		case providers.RoleModel:
			if len(open) > 0 {
				closeOpen("model turn arrived before tool results")
				// The incoming model turn would now sit back-to-back with the
				// placeholder results' parent; skip it entirely.
				warnings = append(warnings, "skipped model turn following repaired tool results")
				continue
			}
			if prev != nil && prev.Role == providers.RoleModel {
				prevHadCalls := prev.HasFunctionCalls()
				if !prevHadCalls && !d.internal {
					warnings = append(warnings, "consecutive model turns without function calls")
				}
			}
			out = append(out, turn)
			open = append(open[:0], turn.FunctionCalls()...)

		case providers.RoleTool:
			resp := turn.Parts[0].FunctionResponse
			consumed := false
			for j, fc := range open {
				if fc.ID == resp.ID {
					open = append(open[:j], open[j+1:]...)
					consumed = true
					break
				}
			}
			if !consumed {
				warnings = append(warnings, fmt.Sprintf("dropping orphan tool turn %s (%s)", resp.ID, resp.Name))
				continue
			}
			out = append(out, turn)
		}
	}

	if len(open) > 0 {
		// Genuine pending state at the tail is kept for the next turn to
		// resolve; the provider sees an in-progress tool exchange.
		warnings = append(warnings, fmt.Sprintf("sequence ends with %d unresolved function calls", len(open)))
	}

	return out, warnings
}

func previewText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
