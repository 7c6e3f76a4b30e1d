package workflow

import (
	"context"
	"fmt"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/session"
)

// TypeStoryBuilder is the only workflow type the engine knows how to hand a
// turn to. The workflow implementation itself is an external collaborator.
const TypeStoryBuilder = "story_builder"

// TriggerToolName is the tool the model calls to start a story-builder
// workflow. The trigger executes through the standard tool pipeline; its
// result must satisfy ParseTriggerResult.
const TriggerToolName = "start_story_builder"

// Handler drives a delegated turn for an active workflow. The handler owns
// stage transitions and sets the session's LastInteractionStatus; the engine
// inspects that status to decide whether the turn is over.
type Handler interface {
	HandleTurn(ctx context.Context, sess *session.State, userMessage string, emit bus.EmitFunc) error
}

// Registry maps workflow types to handlers.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(workflowType string, h Handler) {
	r.handlers[workflowType] = h
}

// HandlerFor returns the handler for a workflow type, or nil.
func (r *Registry) HandlerFor(workflowType string) Handler {
	if r == nil {
		return nil
	}
	return r.handlers[workflowType]
}

// ActiveWorkflow returns the first active workflow of a known type, or nil.
func ActiveWorkflow(sess *session.State) *session.WorkflowContext {
	for _, wf := range sess.ActiveWorkflows {
		if wf.Type == TypeStoryBuilder && wf.Status == session.WorkflowActive {
			return wf
		}
	}
	return nil
}

// TriggerResult is the contract of the trigger tool's successful result.
type TriggerResult struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id"`
}

// ParseTriggerResult validates a trigger tool result payload. The payload is
// the deserialized tool result; a non-map or non-success payload is an error.
func ParseTriggerResult(payload any) (*TriggerResult, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("workflow trigger returned non-object result")
	}
	status, _ := m["status"].(string)
	if status != "success" {
		return nil, fmt.Errorf("workflow trigger status %q", status)
	}
	id, _ := m["workflow_id"].(string)
	if id == "" {
		return nil, fmt.Errorf("workflow trigger result missing workflow_id")
	}
	return &TriggerResult{Status: status, WorkflowID: id}, nil
}

// TriggerDeclaration is the schema injected on initial cycles when the query
// hints at story or ticket creation.
func TriggerDeclaration() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"initial_request": map[string]any{
				"type":        "string",
				"description": "The user's story or ticket request, verbatim.",
			},
		},
		"required": []any{"initial_request"},
	}
}
