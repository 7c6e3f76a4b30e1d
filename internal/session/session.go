package session

import (
	"time"
)

// Message roles in the session log.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// Message type tags. Internal messages carry one of these so the history
// preparer can decide which internal context survives filtering.
const (
	TypeWorkflowStage  = "workflow_stage"
	TypeThought        = "thought"
	TypeReflection     = "reflection"
	TypePlan           = "plan"
	TypeContextSummary = "context_summary"
)

// InteractionStatus is the terminal status of a turn.
type InteractionStatus string

const (
	StatusProcessing              InteractionStatus = "PROCESSING"
	StatusCompletedOK             InteractionStatus = "COMPLETED_OK"
	StatusCompletedEmpty          InteractionStatus = "COMPLETED_EMPTY"
	StatusWaitingUserInput        InteractionStatus = "WAITING_USER_INPUT"
	StatusToolError               InteractionStatus = "TOOL_ERROR"
	StatusLLMFailure              InteractionStatus = "LLM_FAILURE"
	StatusMaxCallsReached         InteractionStatus = "MAX_CALLS_REACHED"
	StatusHistoryResetRequired    InteractionStatus = "HISTORY_RESET_REQUIRED"
	StatusCriticalHistoryError    InteractionStatus = "CRITICAL_HISTORY_ERROR"
	StatusUnexpectedAgentError    InteractionStatus = "UNEXPECTED_AGENT_ERROR"
	StatusWorkflowCompleted       InteractionStatus = "WORKFLOW_COMPLETED"
	StatusWorkflowError           InteractionStatus = "WORKFLOW_ERROR"
	StatusWorkflowMaxCycles       InteractionStatus = "WORKFLOW_MAX_CYCLES"
	StatusWorkflowUnexpectedError InteractionStatus = "WORKFLOW_UNEXPECTED_ERROR"
)

// TerminatesTurn reports whether a status set by a workflow handler ends the
// turn without falling through to the general loop.
func (s InteractionStatus) TerminatesTurn() bool {
	switch s {
	case StatusWaitingUserInput, StatusHistoryResetRequired,
		StatusWorkflowCompleted, StatusWorkflowError,
		StatusWorkflowMaxCycles, StatusWorkflowUnexpectedError:
		return true
	}
	return false
}

// ToolCallRequest is a tool invocation requested by the model. Arguments is
// the serialized JSON form; the pipeline deserializes it.
type ToolCallRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one element of the conversation log. Messages are immutable
// after append, except the single system message at position 0 which may be
// replaced when the system prompt changes.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
	IsInternal bool              `json:"is_internal,omitempty"`
	Type       string            `json:"message_type,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PreviousToolCall fingerprints an executed call for circular detection.
type PreviousToolCall struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Args    string `json:"args"`
	ArgHash string `json:"arg_hash"`
}

// ScratchpadEntry is one element of the bounded short-term tool memory.
type ScratchpadEntry struct {
	ToolName  string    `json:"tool_name"`
	ToolInput string    `json:"tool_input"`
	Result    string    `json:"result"`
	IsError   bool      `json:"is_error"`
	Summary   string    `json:"summary"`
	Timestamp time.Time `json:"timestamp"`
}

// ScratchpadCap bounds the scratchpad; oldest entries are evicted on insert.
const ScratchpadCap = 10

// User identifies the current user and their permission set.
type User struct {
	ID          string          `json:"id"`
	Email       string          `json:"email,omitempty"`
	Permissions map[string]bool `json:"permissions,omitempty"`
}

// HasPermission reports whether the user holds the named permission. The
// empty name means the capability is permission-free.
func (u User) HasPermission(name string) bool {
	if name == "" {
		return true
	}
	return u.Permissions[name]
}

// ToolStats is per-tool accounting.
type ToolStats struct {
	Calls      int     `json:"calls"`
	Failures   int     `json:"failures"`
	TotalMS    float64 `json:"total_ms"`
	LastCalled int64   `json:"last_called,omitempty"`
}

// Stats accumulates per-session counters.
type Stats struct {
	LLMCalls        int                   `json:"llm_calls"`
	TotalTokens     int                   `json:"total_tokens"`
	ToolCalls       int                   `json:"tool_calls"`
	FailedToolCalls int                   `json:"failed_tool_calls"`
	TurnDurationMS  float64               `json:"turn_duration_ms"`
	PerTool         map[string]*ToolStats `json:"per_tool,omitempty"`
}

// RecordToolCall updates per-tool stats for one execution.
func (s *Stats) RecordToolCall(name string, durationMS float64, failed bool) {
	s.ToolCalls++
	if failed {
		s.FailedToolCalls++
	}
	if s.PerTool == nil {
		s.PerTool = make(map[string]*ToolStats)
	}
	ts := s.PerTool[name]
	if ts == nil {
		ts = &ToolStats{}
		s.PerTool[name] = ts
	}
	ts.Calls++
	if failed {
		ts.Failures++
	}
	ts.TotalMS += durationMS
	ts.LastCalled = time.Now().Unix()
}

// WorkflowStatus values for WorkflowContext.
const (
	WorkflowActive    = "active"
	WorkflowCompleted = "completed"
	WorkflowFailed    = "failed"
)

// WorkflowContext is the per-workflow state owned by the session. The engine
// only inspects ID, Type and Status; stage data belongs to the handler.
type WorkflowContext struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status"`
	Stage     string         `json:"stage,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// State is the durable per-session state. One turn owns the state at a time;
// all mutation happens on the engine's goroutine.
type State struct {
	Key      string    `json:"key"`
	Created  time.Time `json:"created"`
	Updated  time.Time `json:"updated"`

	Messages           []Message                   `json:"messages"`
	PreviousToolCalls  []PreviousToolCall          `json:"previous_tool_calls,omitempty"`
	Scratchpad         []ScratchpadEntry           `json:"scratchpad,omitempty"`
	ActiveWorkflows    map[string]*WorkflowContext `json:"active_workflows,omitempty"`
	CompletedWorkflows []*WorkflowContext          `json:"completed_workflows,omitempty"`
	CurrentUser        User                        `json:"current_user"`
	Stats              Stats                       `json:"stats"`

	StreamingPlaceholder  string            `json:"-"`
	CurrentStatusMessage  string            `json:"current_status_message,omitempty"`
	CurrentStepError      string            `json:"current_step_error,omitempty"`
	LastInteractionStatus InteractionStatus `json:"last_interaction_status,omitempty"`
	IsStreaming           bool              `json:"-"`
}

// New creates an empty session state.
func New(key string) *State {
	now := time.Now().UTC()
	return &State{
		Key:             key,
		Created:         now,
		Updated:         now,
		Messages:        []Message{},
		ActiveWorkflows: map[string]*WorkflowContext{},
	}
}

// Append adds a message to the log, stamping it if unstamped.
func (s *State) Append(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.Messages = append(s.Messages, msg)
	s.Updated = time.Now().UTC()
}

// AppendAssistantText appends a plain assistant message.
func (s *State) AppendAssistantText(text string) {
	s.Append(Message{Role: RoleAssistant, Content: text})
}

// EnsureSystemPrompt makes the system prompt occupy position 0, inserting it
// or replacing an outdated one. Duplicate system prompts are never created.
func (s *State) EnsureSystemPrompt(prompt string) {
	if prompt == "" {
		return
	}
	if len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem && s.Messages[0].Type == "" {
		if s.Messages[0].Content != prompt {
			s.Messages[0].Content = prompt
			s.Messages[0].Timestamp = time.Now().UTC()
		}
		return
	}
	sys := Message{Role: RoleSystem, Content: prompt, Timestamp: time.Now().UTC()}
	s.Messages = append([]Message{sys}, s.Messages...)
}

// AddScratchpad inserts an entry, evicting the oldest beyond ScratchpadCap.
func (s *State) AddScratchpad(e ScratchpadEntry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.Scratchpad = append(s.Scratchpad, e)
	if len(s.Scratchpad) > ScratchpadCap {
		s.Scratchpad = s.Scratchpad[len(s.Scratchpad)-ScratchpadCap:]
	}
}

// RecordPreviousCall appends to the circular-detection history. The list is
// append-only within a turn and preserved across turns until reset.
func (s *State) RecordPreviousCall(c PreviousToolCall) {
	s.PreviousToolCalls = append(s.PreviousToolCalls, c)
}

// LastAssistantWithToolCalls returns the index of the last assistant message
// carrying tool calls, or -1.
func (s *State) LastAssistantWithToolCalls() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleAssistant {
			if len(s.Messages[i].ToolCalls) > 0 {
				return i
			}
			return -1
		}
	}
	return -1
}

// PendingToolCalls returns the tool calls of the last assistant message that
// have no matching tool message later in the log.
func (s *State) PendingToolCalls() []ToolCallRequest {
	idx := s.LastAssistantWithToolCalls()
	if idx < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, m := range s.Messages[idx+1:] {
		if m.Role == RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	var pending []ToolCallRequest
	for _, tc := range s.Messages[idx].ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// ResetHistory runs the unrecoverable-history reset procedure: purge all
// non-system messages, append a single explanatory assistant message, clear
// scratchpad, circular history and active workflows (failing them into the
// completed log), and mark the session as reset-required.
func (s *State) ResetHistory(explanation string) {
	var kept []Message
	if len(s.Messages) > 0 && s.Messages[0].Role == RoleSystem && s.Messages[0].Type == "" {
		kept = []Message{s.Messages[0]}
	}
	s.Messages = kept
	s.Append(Message{Role: RoleAssistant, Content: explanation, IsError: true})

	s.Scratchpad = nil
	s.PreviousToolCalls = nil
	now := time.Now().UTC()
	for id, wf := range s.ActiveWorkflows {
		wf.Status = WorkflowFailed
		wf.UpdatedAt = now
		s.CompletedWorkflows = append(s.CompletedWorkflows, wf)
		delete(s.ActiveWorkflows, id)
	}
	s.LastInteractionStatus = StatusHistoryResetRequired
}

// CompleteWorkflow moves a workflow out of the active set into the completed
// log with the given terminal status.
func (s *State) CompleteWorkflow(id, status string) {
	wf, ok := s.ActiveWorkflows[id]
	if !ok {
		return
	}
	wf.Status = status
	wf.UpdatedAt = time.Now().UTC()
	s.CompletedWorkflows = append(s.CompletedWorkflows, wf)
	delete(s.ActiveWorkflows, id)
}
