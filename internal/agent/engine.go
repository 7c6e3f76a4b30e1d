package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tidewater-ai/keel/internal/bus"
	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/tools"
	"github.com/tidewater-ai/keel/internal/tools/selector"
	"github.com/tidewater-ai/keel/internal/tracing"
	"github.com/tidewater-ai/keel/internal/workflow"
)

// User-facing failure strings. Detail stays in CurrentStepError and logs.
const (
	msgLLMFailure    = "I encountered an issue trying to generate a response. Please try again."
	msgUnexpected    = "Something went wrong while processing your request. Please try again."
	msgMaxCycles     = "I reached the maximum number of processing steps for this request."
	msgToolFallback  = "Okay, I need to use some tools."
	msgHistoryErr    = "I ran into a problem preparing our conversation. Please try again."
	msgEmptyResponse = "[LLM returned no response]"
)

// greetings trigger the no-tools fast path on the first cycle.
var greetings = map[string]bool{
	"hello":       true,
	"hi":          true,
	"hey":         true,
	"thanks":      true,
	"thank you":   true,
	"bye":         true,
	"how are you": true,
}

// Engine drives one conversation turn: pending-call resolution, workflow
// delegation, then bounded LLM/tool cycles.
type Engine struct {
	cfg       *config.Config
	transport providers.Transport
	selector  *selector.Selector
	pipeline  *tools.Pipeline
	catalog   *tools.Catalog
	workflows *workflow.Registry
	preparer  *Preparer
	limiter   *rate.Limiter
}

func NewEngine(cfg *config.Config, transport providers.Transport, sel *selector.Selector, pipeline *tools.Pipeline, catalog *tools.Catalog, workflows *workflow.Registry) *Engine {
	var limiter *rate.Limiter
	if n := cfg.Agent.LLMRequestsPerMin; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), 1)
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		selector:  sel,
		pipeline:  pipeline,
		catalog:   catalog,
		workflows: workflows,
		preparer:  NewPreparer(cfg.Agent.MaxHistoryMessages),
		limiter:   limiter,
	}
}

// RunTurn processes one user message to completion. Exactly one completed
// event is emitted, carrying the terminal interaction status. The session is
// owned by this call for the duration of the turn.
func (e *Engine) RunTurn(ctx context.Context, sess *session.State, userMessage string, emit bus.EmitFunc) {
	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "keel.turn",
		trace.WithAttributes(attribute.String("session.key", sess.Key)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("turn panicked", "session", sess.Key, "panic", r)
			sess.CurrentStepError = fmt.Sprintf("panic: %v", r)
			sess.LastInteractionStatus = session.StatusUnexpectedAgentError
			sess.AppendAssistantText(msgUnexpected)
			emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgUnexpected}})
			emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "Turn aborted."}})
		}
		e.finalize(sess, emit, start)
	}()

	// Init.
	sess.CurrentStepError = ""
	sess.CurrentStatusMessage = ""
	sess.LastInteractionStatus = session.StatusProcessing
	sess.StreamingPlaceholder = ""
	sess.IsStreaming = true
	sess.EnsureSystemPrompt(e.cfg.Agent.SystemPrompt)

	if strings.TrimSpace(userMessage) != "" {
		sess.Append(session.Message{Role: session.RoleUser, Content: userMessage})
	}
	emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "Processing your request..."}})

	// ResolvePending: flush tool calls left dangling by the previous turn.
	if pending := sess.PendingToolCalls(); len(pending) > 0 {
		emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{
			Message: fmt.Sprintf("Resolving %d pending tool calls...", len(pending)),
		}})
		outcome := e.executeBatch(ctx, pending, sess)
		emit(bus.Event{Type: bus.EventToolResults, Content: outcome.ToolMessages})
		if outcome.Critical {
			sess.LastInteractionStatus = session.StatusToolError
			emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: "A pending tool call failed."}})
			return
		}
	}

	// Workflow delegation.
	if wf := workflow.ActiveWorkflow(sess); wf != nil {
		if done := e.delegateWorkflow(ctx, wf, sess, userMessage, emit); done {
			return
		}
	}

	e.generalLoop(ctx, sess, userMessage, emit)
}

// delegateWorkflow hands the turn to the active workflow's handler. Returns
// true when the handler ended the turn.
func (e *Engine) delegateWorkflow(ctx context.Context, wf *session.WorkflowContext, sess *session.State, userMessage string, emit bus.EmitFunc) bool {
	handler := e.workflows.HandlerFor(wf.Type)
	if handler == nil {
		slog.Warn("no handler for active workflow, falling through", "type", wf.Type, "id", wf.ID)
		return false
	}

	if err := handler.HandleTurn(ctx, sess, userMessage, emit); err != nil {
		slog.Error("workflow handler failed", "type", wf.Type, "id", wf.ID, "error", err)
		sess.CurrentStepError = err.Error()
		sess.LastInteractionStatus = session.StatusWorkflowUnexpectedError
		sess.CompleteWorkflow(wf.ID, session.WorkflowFailed)
		emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgUnexpected}})
		return true
	}

	status := sess.LastInteractionStatus
	if !status.TerminatesTurn() {
		return false
	}
	switch status {
	case session.StatusWorkflowCompleted:
		sess.CompleteWorkflow(wf.ID, session.WorkflowCompleted)
	case session.StatusWorkflowError, session.StatusWorkflowMaxCycles, session.StatusWorkflowUnexpectedError:
		sess.CompleteWorkflow(wf.ID, session.WorkflowFailed)
	}
	return true
}

// generalLoop runs bounded LLM/tool cycles until a final text reply or a
// terminal condition.
func (e *Engine) generalLoop(ctx context.Context, sess *session.State, userMessage string, emit bus.EmitFunc) {
	maxCycles := e.cfg.Agent.MaxToolCycles
	if maxCycles <= 0 {
		maxCycles = 10
	}

	toolsRanOK := false
	var lastToolResults []session.Message
	var accumulatedText string

	for cycle := 0; cycle < maxCycles; cycle++ {
		isInitial := cycle == 0

		provideTools := !toolsRanOK
		if isInitial && isGreeting(userMessage) {
			provideTools = false
		}

		var decls []providers.ToolDeclaration
		if provideTools {
			shortlist := e.selector.Select(ctx, userMessage, sess.CurrentUser, e.catalog, e.cfg.Selector.MaxTools)
			decls = declarations(shortlist)
			if isInitial && hintsStoryCreation(userMessage) {
				decls = append(decls, providers.ToolDeclaration{
					Name:        workflow.TriggerToolName,
					Description: "Start the guided story-builder workflow for creating a story or ticket.",
					Parameters:  workflow.TriggerDeclaration(),
				})
			}
		}

		turns, warnings, err := e.preparer.Prepare(sess.Messages, sess.Scratchpad)
		for _, w := range warnings {
			slog.Debug("history warning", "session", sess.Key, "warning", w)
		}
		if err != nil {
			slog.Error("history preparation failed", "session", sess.Key, "error", err)
			sess.CurrentStepError = err.Error()
			sess.LastInteractionStatus = session.StatusCriticalHistoryError
			sess.AppendAssistantText(msgHistoryErr)
			emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgHistoryErr}})
			return
		}

		emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{
			Message: "Thinking...", Cycle: cycle + 1,
		}})

		res := e.callLLM(ctx, sess, turns, decls, lastToolResults, cycle, emit)

		if res.Err != nil {
			if IsHistoryCorruptionError(res.Err) {
				e.resetHistory(sess, res.Err, emit)
				return
			}
			slog.Error("llm stream failed", "session", sess.Key, "cycle", cycle, "error", res.Err)
			sess.CurrentStepError = res.Err.Error()
			sess.LastInteractionStatus = session.StatusLLMFailure
			sess.AppendAssistantText(msgLLMFailure)
			emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "The model call failed."}})
			emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgLLMFailure}})
			return
		}

		if res.Text == "" && len(res.ToolCalls) == 0 {
			sess.LastInteractionStatus = session.StatusCompletedEmpty
			if isInitial {
				sess.Append(session.Message{
					Role: session.RoleSystem, Content: msgEmptyResponse, IsInternal: true,
				})
			}
			return
		}

		if len(res.ToolCalls) > 0 {
			text := res.Text
			if text == "" {
				text = msgToolFallback
			}
			accumulatedText = res.Text
			sess.Append(session.Message{
				Role:      session.RoleAssistant,
				Content:   text,
				ToolCalls: res.ToolCalls,
			})
			emit(bus.Event{Type: bus.EventToolCalls, Content: res.ToolCalls})

			// Workflow trigger short-circuits the cycle when it takes over.
			if isInitial && len(res.ToolCalls) == 1 && res.ToolCalls[0].Name == workflow.TriggerToolName {
				if e.runWorkflowTrigger(ctx, sess, res.ToolCalls[0], userMessage, emit) {
					return
				}
				toolsRanOK = false
				continue
			}

			outcome := e.executeBatch(ctx, res.ToolCalls, sess)
			lastToolResults = outcome.ToolMessages
			emit(bus.Event{Type: bus.EventToolResults, Content: outcome.ToolMessages})
			if outcome.Critical {
				sess.LastInteractionStatus = session.StatusToolError
				emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: "A tool call failed."}})
				return
			}
			toolsRanOK = !outcome.AnyError
			continue
		}

		// Text-only reply: the turn is done.
		if last := lastAssistantContent(sess); last != res.Text {
			sess.AppendAssistantText(res.Text)
		}
		if sess.LastInteractionStatus != session.StatusToolError {
			sess.LastInteractionStatus = session.StatusCompletedOK
		}
		emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "Done."}})
		return
	}

	// Cycle cap reached.
	sess.LastInteractionStatus = session.StatusMaxCallsReached
	note := msgMaxCycles
	if accumulatedText != "" {
		note = accumulatedText + "\n\n" + msgMaxCycles
	}
	sess.AppendAssistantText(note)
	emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgMaxCycles}})
	emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "Maximum processing steps reached."}})
}

// callLLM performs one rate-limited streaming generation call and drains it.
func (e *Engine) callLLM(ctx context.Context, sess *session.State, turns []providers.Turn, decls []providers.ToolDeclaration, lastToolResults []session.Message, cycle int, emit bus.EmitFunc) StreamResult {
	ctx, span := tracing.Tracer().Start(ctx, "keel.llm_call",
		trace.WithAttributes(
			attribute.Int("cycle", cycle),
			attribute.String("model", e.cfg.Agent.Model),
			attribute.Int("tools", len(decls)),
		))
	defer span.End()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return StreamResult{Err: err}
		}
	}

	stream := e.transport.GenerateStream(ctx, providers.GenerateRequest{
		Model:  e.cfg.Agent.Model,
		System: e.cfg.Agent.SystemPrompt,
		Turns:  turns,
		Tools:  decls,
	})
	sp := &streamProcessor{synthesize: e.cfg.Stream.SynthesisEnabled()}
	res := sp.process(ctx, stream, sess, lastToolResults, emit)

	sess.Stats.LLMCalls++
	if res.Usage != nil {
		sess.Stats.TotalTokens += res.Usage.TotalTokens
		span.SetAttributes(attribute.Int("tokens.total", res.Usage.TotalTokens))
	}
	for _, w := range res.Warnings {
		slog.Warn("stream warning", "session", sess.Key, "warning", w)
	}
	return res
}

// executeBatch runs the tool pipeline and appends its messages to the log.
func (e *Engine) executeBatch(ctx context.Context, calls []session.ToolCallRequest, sess *session.State) tools.Outcome {
	ctx, span := tracing.Tracer().Start(ctx, "keel.tool_batch",
		trace.WithAttributes(attribute.Int("calls", len(calls))))
	defer span.End()

	outcome := e.pipeline.Execute(ctx, calls, sess, e.catalog)
	for _, m := range outcome.ToolMessages {
		sess.Append(m)
	}
	for _, m := range outcome.InternalMessages {
		sess.Append(m)
	}
	for _, m := range outcome.AssistantMessages {
		sess.Append(m)
	}
	return outcome
}

// runWorkflowTrigger executes the trigger call, validates its result and
// delegates the rest of the turn to the new workflow. Returns true when the
// workflow took over and ended the turn.
func (e *Engine) runWorkflowTrigger(ctx context.Context, sess *session.State, call session.ToolCallRequest, userMessage string, emit bus.EmitFunc) bool {
	outcome := e.executeBatch(ctx, []session.ToolCallRequest{call}, sess)
	emit(bus.Event{Type: bus.EventToolResults, Content: outcome.ToolMessages})
	if len(outcome.ToolMessages) == 0 || outcome.AnyError {
		slog.Warn("workflow trigger failed", "session", sess.Key)
		return false
	}

	var payload any
	if err := json.Unmarshal([]byte(outcome.ToolMessages[0].Content), &payload); err != nil {
		slog.Warn("workflow trigger result unreadable", "error", err)
		return false
	}
	tr, err := workflow.ParseTriggerResult(payload)
	if err != nil {
		slog.Warn("workflow trigger rejected", "error", err)
		return false
	}
	wf, ok := sess.ActiveWorkflows[tr.WorkflowID]
	if !ok {
		slog.Warn("workflow trigger created no active workflow", "id", tr.WorkflowID)
		return false
	}

	return e.delegateWorkflow(ctx, wf, sess, userMessage, emit)
}

// resetHistory runs the unrecoverable-history procedure and surfaces it.
func (e *Engine) resetHistory(sess *session.State, cause error, emit bus.EmitFunc) {
	slog.Error("history corruption detected, resetting session", "session", sess.Key, "error", cause)
	sess.CurrentStepError = cause.Error()
	sess.ResetHistory(historyResetExplanation)
	emit(bus.Event{Type: bus.EventError, Content: bus.ErrorContent{Message: msgHistoryErr}})
	emit(bus.Event{Type: bus.EventStatus, Content: bus.StatusContent{Message: "Conversation history was reset."}})
}

// finalize records turn accounting and emits the single completed event.
func (e *Engine) finalize(sess *session.State, emit bus.EmitFunc, start time.Time) {
	sess.Stats.TurnDurationMS += float64(time.Since(start).Milliseconds())
	sess.IsStreaming = false
	emit(bus.Event{Type: bus.EventCompleted, Content: bus.CompletedContent{
		Status: string(sess.LastInteractionStatus),
	}})
}

func declarations(defs []tools.Definition) []providers.ToolDeclaration {
	out := make([]providers.ToolDeclaration, len(defs))
	for i, def := range defs {
		out[i] = providers.ToolDeclaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.ParametersMap(),
		}
	}
	return out
}

// isGreeting reports whether the message is a bare social greeting; help
// requests never take the fast path.
func isGreeting(message string) bool {
	q := strings.ToLower(strings.TrimSpace(message))
	q = strings.TrimRight(q, "!.?, ")
	if strings.Contains(q, "help") {
		return false
	}
	return greetings[q]
}

// hintsStoryCreation reports whether the query looks like a story or ticket
// creation request, which unlocks the workflow trigger tool.
func hintsStoryCreation(message string) bool {
	q := strings.ToLower(message)
	if strings.Contains(q, "story") {
		return true
	}
	if strings.Contains(q, "ticket") || strings.Contains(q, "issue") {
		for _, verb := range []string{"create", "new", "write", "draft", "open", "file"} {
			if strings.Contains(q, verb) {
				return true
			}
		}
	}
	return false
}

func lastAssistantContent(sess *session.State) string {
	for i := len(sess.Messages) - 1; i >= 0; i-- {
		if sess.Messages[i].Role == session.RoleAssistant {
			return sess.Messages[i].Content
		}
	}
	return ""
}
