package providers

import (
	"context"
	"iter"
)

// Turn roles at the provider boundary. User and tool turns come from the
// session; model turns are either prior assistant output or repair
// placeholders inserted by the history preparer.
const (
	RoleUser  = "user"
	RoleModel = "model"
	RoleTool  = "tool"
)

// Turn is one provider-formatted conversation element. A turn carries text
// parts and/or function-call parts (model) or function-response parts (tool).
type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// Part is a tagged union: exactly one of Text, FunctionCall or
// FunctionResponse is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"function_call,omitempty"`
	FunctionResponse *FunctionResponse `json:"function_response,omitempty"`
}

// FunctionCall is an emitted tool invocation inside a model turn.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse is the tool result payload inside a tool turn.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// TextPart builds a text-only part.
func TextPart(text string) Part { return Part{Text: text} }

// HasFunctionCalls reports whether the turn carries at least one
// function-call part.
func (t Turn) HasFunctionCalls() bool {
	for _, p := range t.Parts {
		if p.FunctionCall != nil {
			return true
		}
	}
	return false
}

// FunctionCalls returns the function-call parts of the turn in order.
func (t Turn) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range t.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// ToolDeclaration describes one tool exposed to the model.
type ToolDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Usage is the token accounting carried on (usually the last) stream chunk.
type Usage struct {
	PromptTokens    int `json:"prompt_tokens"`
	CandidateTokens int `json:"candidate_tokens"`
	TotalTokens     int `json:"total_tokens"`
}

// ChunkPart is one fragment of a streaming response. Args on a function call
// fragment may be a map, a list of maps (merged in order by the stream
// processor), or nil.
type ChunkPart struct {
	Text         string
	FunctionCall *FunctionCallDelta
}

// FunctionCallDelta is a possibly-partial function call inside a chunk.
type FunctionCallDelta struct {
	ID   string
	Name string
	Args any
}

// Chunk is one element of the provider stream.
type Chunk struct {
	Parts []ChunkPart
	Usage *Usage
}

// GenerateRequest is the input to a streaming generation call. System is
// passed out-of-band from the turn sequence.
type GenerateRequest struct {
	Model  string
	System string
	Turns  []Turn
	Tools  []ToolDeclaration
}

// Transport opens streaming generative calls. Implementations surface
// provider failures through the iterator's error value; the engine inspects
// those errors for history-corruption patterns.
type Transport interface {
	GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[*Chunk, error]
}

// Embedder produces embedding vectors for indexable text. Used by the tool
// selector; a nil Embedder disables the semantic ranking path.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}
