package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/session"
)

// Well-known tool names referenced by the selector rules and the pipeline's
// parameter injection.
const (
	ToolHelp          = "get_help"
	ToolListRepos     = "github_list_repositories"
	ToolUserIssues    = "jira_get_user_issues"
	ToolProjectIssues = "jira_get_issues_by_project"
	ToolCodeSearch    = "code_search"
	ToolWebSearch     = "web_search"
)

// Error codes materialized into error tool messages. Pipeline failures never
// propagate as Go errors.
const (
	ErrMalformedToolCall     = "MalformedToolCall"
	ErrParameterValidation   = "ToolParameterValidationError"
	ErrCircularToolCall      = "CircularToolCallDetected"
	ErrExecutionAfterRetries = "ToolExecutionExceptionAfterRetries"
	ErrExecutorConfiguration = "ToolExecutorConfigurationError"
	ErrPermissionDenied      = "PermissionDenied"
)

// Executor runs concrete tools. Implementations signal permission denial by
// returning a map with status "PERMISSION_DENIED"; exceptions surface as Go
// errors and are retried by the pipeline.
type Executor interface {
	ExecuteTool(ctx context.Context, name string, args map[string]any, sess *session.State) (any, error)
	Definitions() []Definition
}

// Adapter handles service-level tool batches (names without an underscore).
// It receives only calls that passed circular detection and returns the same
// outcome shape as the standard path.
type Adapter interface {
	ExecuteBatch(ctx context.Context, calls []session.ToolCallRequest, sess *session.State, catalog *Catalog) Outcome
}

// Outcome is the result of executing one batch of tool calls.
// AssistantMessages are user-facing follow-ups (permission apologies); the
// caller appends them after the tool messages so every function call is
// answered by its result before any assistant text.
type Outcome struct {
	ToolMessages      []session.Message
	InternalMessages  []session.Message
	AssistantMessages []session.Message
	Critical          bool
	AnyError          bool
}

func (o *Outcome) merge(other Outcome) {
	o.ToolMessages = append(o.ToolMessages, other.ToolMessages...)
	o.InternalMessages = append(o.InternalMessages, other.InternalMessages...)
	o.AssistantMessages = append(o.AssistantMessages, other.AssistantMessages...)
	o.Critical = o.Critical || other.Critical
	o.AnyError = o.AnyError || other.AnyError
}

// Pipeline validates, guards and executes tool call batches sequentially.
type Pipeline struct {
	exec    Executor
	adapter Adapter
	cfg     config.ToolsConfig

	// sleep is injectable so retry schedules are testable without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewPipeline(exec Executor, adapter Adapter, cfg config.ToolsConfig) *Pipeline {
	return &Pipeline{
		exec:    exec,
		adapter: adapter,
		cfg:     cfg,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pipeline) detector() circularDetector {
	return circularDetector{
		maxConsecutiveRetries: 2,
		maxSimilarCalls:       p.cfg.MaxSimilarCalls,
		similarityThreshold:   p.cfg.SimilarityThreshold,
	}
}

// Execute runs a batch of tool calls in input order. Results are appended as
// tool messages; internal traces accompany them. A critical failure stops
// the remainder of the batch.
func (p *Pipeline) Execute(ctx context.Context, calls []session.ToolCallRequest, sess *session.State, catalog *Catalog) Outcome {
	if batchNeedsAdapter(calls) {
		return p.executeViaAdapter(ctx, calls, sess, catalog)
	}

	var out Outcome
	for _, call := range calls {
		critical := p.executeOne(ctx, call, sess, catalog, &out)
		if critical {
			out.Critical = true
			break
		}
	}
	return out
}

// batchNeedsAdapter reports whether any call targets a service-level tool.
// Service tool names carry no underscore.
func batchNeedsAdapter(calls []session.ToolCallRequest) bool {
	for _, c := range calls {
		if c.Name != "" && !strings.Contains(c.Name, "_") {
			return true
		}
	}
	return false
}

func (p *Pipeline) executeViaAdapter(ctx context.Context, calls []session.ToolCallRequest, sess *session.State, catalog *Catalog) Outcome {
	var out Outcome

	// Circular detection runs before the adapter sees the batch; blocked
	// calls get their error message here and the adapter only processes
	// survivors.
	det := p.detector()
	var survivors []session.ToolCallRequest
	for _, call := range calls {
		argsJSON := strings.TrimSpace(call.Arguments)
		hash := ArgHash(call.Name, argsJSON)
		if det.isCircular(sess.PreviousToolCalls, call.Name, argsJSON, hash) {
			p.appendError(&out, sess, call, ErrCircularToolCall,
				fmt.Sprintf("Tool '%s' was called repeatedly with the same or similar arguments.", call.Name))
			continue
		}
		survivors = append(survivors, call)
	}

	if len(survivors) == 0 {
		return out
	}
	if p.adapter == nil {
		for _, call := range survivors {
			p.appendError(&out, sess, call, ErrExecutorConfiguration,
				"No service adapter is configured for this tool.")
		}
		if p.cfg.BreakOnCriticalError {
			out.Critical = true
		}
		return out
	}

	out.merge(p.adapter.ExecuteBatch(ctx, survivors, sess, catalog))
	return out
}

// executeOne runs the full per-call pipeline for a standard tool. The return
// value reports whether the batch must stop.
func (p *Pipeline) executeOne(ctx context.Context, call session.ToolCallRequest, sess *session.State, catalog *Catalog, out *Outcome) bool {
	// 1. Malformed check.
	if strings.TrimSpace(call.Name) == "" {
		p.appendError(out, sess, call, ErrMalformedToolCall, "Tool call has no name.")
		return p.cfg.BreakOnCriticalError
	}

	def, known := catalog.Get(call.Name)
	if !known {
		p.appendError(out, sess, call, ErrMalformedToolCall,
			fmt.Sprintf("Unknown tool '%s'.", call.Name))
		return p.cfg.BreakOnCriticalError
	}

	// 2. Arguments deserialization.
	args := decodeArguments(call.Arguments)

	// 3. Parameter injection.
	if call.Name == ToolUserIssues && sess.CurrentUser.Email != "" {
		if _, ok := args["user_email"]; !ok {
			args["user_email"] = sess.CurrentUser.Email
		}
	}

	// 4. Circular detection.
	argsJSON := strings.TrimSpace(call.Arguments)
	hash := ArgHash(call.Name, argsJSON)
	if p.detector().isCircular(sess.PreviousToolCalls, call.Name, argsJSON, hash) {
		p.appendError(out, sess, call, ErrCircularToolCall,
			fmt.Sprintf("Tool '%s' was called repeatedly with the same or similar arguments. Try a different approach.", call.Name))
		return p.cfg.BreakOnCriticalError
	}

	// 5. Validation.
	if err := validateArguments(def, args); err != nil {
		p.appendError(out, sess, call, ErrParameterValidation, err.Error())
		return p.cfg.BreakOnCriticalError
	}

	// 6. Execution with retry.
	start := time.Now()
	result, execErr := p.executeWithRetry(ctx, call.Name, args, sess)
	elapsedMS := float64(time.Since(start).Milliseconds())

	// Executed calls enter the circular history regardless of result.
	sess.RecordPreviousCall(session.PreviousToolCall{
		ID: call.ID, Name: call.Name, Args: argsJSON, ArgHash: hash,
	})

	if execErr != nil {
		p.appendError(out, sess, call, ErrExecutionAfterRetries,
			fmt.Sprintf("Tool '%s' failed after %d attempts: %v", call.Name, p.cfg.MaxExecutionRetries, execErr))
		return p.cfg.BreakOnCriticalError
	}

	// 7. Result classification.
	class := classifyResult(result)
	if class.durationMS > 0 {
		elapsedMS = class.durationMS
	}

	switch class.kind {
	case resultPermissionDenied:
		p.appendError(out, sess, call, ErrPermissionDenied, class.message)
		out.AssistantMessages = append(out.AssistantMessages, session.Message{
			Role:    session.RoleAssistant,
			Content: fmt.Sprintf("Sorry, you don't have permission to use '%s' for this action.", call.Name),
		})
		return false // terminal for this call, never critical

	case resultError:
		sess.Stats.RecordToolCall(call.Name, elapsedMS, true)
		content := serializeResult(result)
		out.ToolMessages = append(out.ToolMessages, toolMessage(call, content, true))
		out.InternalMessages = append(out.InternalMessages, internalTrace(
			fmt.Sprintf("Tool '%s' returned an error: %s", call.Name, previewString(class.message, 200))))
		out.AnyError = true
		slog.Warn("tool error payload", "tool", call.Name, "error", previewString(class.message, 200))
		return class.critical

	default: // success
		sess.Stats.RecordToolCall(call.Name, elapsedMS, false)
		content := serializeResult(result)
		out.ToolMessages = append(out.ToolMessages, toolMessage(call, content, false))
		out.InternalMessages = append(out.InternalMessages, internalTrace(
			fmt.Sprintf("Tool '%s' executed successfully: %s", call.Name, previewString(content, 200))))

		sess.AddScratchpad(session.ScratchpadEntry{
			ToolName:  call.Name,
			ToolInput: argsJSON,
			Result:    previewString(content, 500),
			Summary:   summarizeResult(result),
		})
		return false
	}
}

// executeWithRetry invokes the executor up to MaxExecutionRetries times with
// bounded exponential backoff between attempts.
func (p *Pipeline) executeWithRetry(ctx context.Context, name string, args map[string]any, sess *session.State) (any, error) {
	attempts := p.cfg.MaxExecutionRetries
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := p.exec.ExecuteTool(ctx, name, args, sess)
		if err == nil {
			return result, nil
		}
		lastErr = err
		slog.Warn("tool execution attempt failed",
			"tool", name, "attempt", attempt+1, "error", err)

		if attempt < attempts-1 {
			delay := p.cfg.RetryInitialDelayDuration() * (1 << attempt)
			if max := p.cfg.MaxRetryDelayDuration(); delay > max {
				delay = max
			}
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

type resultKind int

const (
	resultSuccess resultKind = iota
	resultError
	resultPermissionDenied
)

type classification struct {
	kind       resultKind
	message    string
	critical   bool
	durationMS float64
}

// classifyResult inspects an executor result value for the error markers of
// the executor contract.
func classifyResult(result any) classification {
	m, ok := result.(map[string]any)
	if !ok {
		return classification{kind: resultSuccess}
	}

	var c classification
	if ms, ok := m["execution_time_ms"].(float64); ok {
		c.durationMS = ms
	}
	status, _ := m["status"].(string)
	if status == "PERMISSION_DENIED" {
		c.kind = resultPermissionDenied
		c.message, _ = m["message"].(string)
		return c
	}
	if errVal, present := m["error"]; (present && errVal != nil) || status == "ERROR" {
		c.kind = resultError
		if msg, ok := m["message"].(string); ok && msg != "" {
			c.message = msg
		} else {
			c.message = fmt.Sprintf("%v", m["error"])
		}
		if crit, ok := m["is_critical"].(bool); ok {
			c.critical = crit
		}
		return c
	}
	return c
}

// serializeResult renders a tool result for the tool message content.
func serializeResult(result any) string {
	if result == nil {
		return `{"result":"Tool returned no content."}`
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf(`{"result":%q}`, fmt.Sprintf("%v", result))
	}
	return string(raw)
}

func toolMessage(call session.ToolCallRequest, content string, isError bool) session.Message {
	return session.Message{
		Role:       session.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Name,
		IsError:    isError,
	}
}

func internalTrace(content string) session.Message {
	return session.Message{
		Role:       session.RoleSystem,
		Content:    content,
		IsInternal: true,
	}
}

// appendError materializes a pipeline failure as an error tool message plus
// an internal trace, and accounts it as a failed call.
func (p *Pipeline) appendError(out *Outcome, sess *session.State, call session.ToolCallRequest, code, message string) {
	if call.Name != "" {
		sess.Stats.RecordToolCall(call.Name, 0, true)
	}
	payload := map[string]any{"error": code, "message": message}
	raw, _ := json.Marshal(payload)
	out.ToolMessages = append(out.ToolMessages, toolMessage(call, string(raw), true))
	out.InternalMessages = append(out.InternalMessages, internalTrace(
		fmt.Sprintf("Tool '%s' rejected (%s): %s", call.Name, code, previewString(message, 200))))
	out.AnyError = true
	slog.Warn("tool call rejected", "tool", call.Name, "code", code, "error", message)
}
