package providers

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/genai"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// GeminiClient binds the Transport and Embedder interfaces to the Google
// GenAI API.
type GeminiClient struct {
	client         *genai.Client
	model          string
	embeddingModel string
}

// GeminiConfig configures a new GeminiClient.
type GeminiConfig struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{
		client:         client,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// GenerateStream implements Transport. Each provider chunk is converted to
// the neutral Chunk shape before it is yielded; conversion never fails the
// stream, it only drops parts it cannot represent.
func (g *GeminiClient) GenerateStream(ctx context.Context, req GenerateRequest) iter.Seq2[*Chunk, error] {
	model := req.Model
	if model == "" {
		model = g.model
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		config.Tools = []*genai.Tool{{FunctionDeclarations: convertDeclarations(req.Tools)}}
	}

	contents := convertTurns(req.Turns)

	return func(yield func(*Chunk, error) bool) {
		stream := g.client.Models.GenerateContentStream(ctx, model, contents, config)
		for resp, err := range stream {
			if err != nil {
				yield(nil, err)
				return
			}
			chunk := convertResponse(resp)
			if chunk == nil {
				continue
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

// EmbedTexts implements Embedder.
func (g *GeminiClient) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
	}
	resp, err := g.client.Models.EmbedContent(ctx, g.embeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}

func convertDeclarations(tools []ToolDeclaration) []*genai.FunctionDeclaration {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		fd := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if len(t.Parameters) > 0 {
			raw, err := json.Marshal(t.Parameters)
			if err == nil {
				var schema genai.Schema
				if err := json.Unmarshal(raw, &schema); err == nil {
					fd.Parameters = &schema
				}
			}
		}
		decls = append(decls, fd)
	}
	return decls
}

func convertTurns(turns []Turn) []*genai.Content {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		content := &genai.Content{Role: role}
		for _, p := range t.Parts {
			switch {
			case p.FunctionCall != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   p.FunctionCall.ID,
						Name: p.FunctionCall.Name,
						Args: p.FunctionCall.Args,
					},
				})
			case p.FunctionResponse != nil:
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       p.FunctionResponse.ID,
						Name:     p.FunctionResponse.Name,
						Response: p.FunctionResponse.Response,
					},
				})
			case p.Text != "":
				content.Parts = append(content.Parts, genai.NewPartFromText(p.Text))
			}
		}
		if len(content.Parts) == 0 {
			slog.Debug("skipping empty turn at provider boundary", "role", t.Role)
			continue
		}
		contents = append(contents, content)
	}
	return contents
}

func convertResponse(resp *genai.GenerateContentResponse) *Chunk {
	chunk := &Chunk{}
	if resp.UsageMetadata != nil {
		chunk.Usage = &Usage{
			PromptTokens:    int(resp.UsageMetadata.PromptTokenCount),
			CandidateTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:     int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.FunctionCall != nil {
				chunk.Parts = append(chunk.Parts, ChunkPart{
					FunctionCall: &FunctionCallDelta{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					},
				})
				continue
			}
			if part.Text != "" && !part.Thought {
				chunk.Parts = append(chunk.Parts, ChunkPart{Text: part.Text})
			}
		}
	}
	if len(chunk.Parts) == 0 && chunk.Usage == nil {
		return nil
	}
	return chunk
}
