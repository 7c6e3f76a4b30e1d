package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/providers"
	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/tools"
)

// hardCap bounds every shortlist regardless of configuration.
const hardCap = 6

// Selector produces the ranked, permission-filtered tool shortlist exposed
// to the model for one LLM call.
type Selector struct {
	cfg       config.SelectorConfig
	schemaCfg config.SchemaOptConfig
	embedder  providers.Embedder
	cache     *Cache
}

func New(cfg config.SelectorConfig, schemaCfg config.SchemaOptConfig, embedder providers.Embedder, cache *Cache) *Selector {
	return &Selector{cfg: cfg, schemaCfg: schemaCfg, embedder: embedder, cache: cache}
}

// Select returns at most min(maxTools, hardCap) tool definitions the user is
// allowed to see, ranked by intent rules and embedding similarity.
func (s *Selector) Select(ctx context.Context, query string, user session.User, catalog *tools.Catalog, maxTools int) []tools.Definition {
	if maxTools <= 0 || maxTools > hardCap {
		maxTools = hardCap
	}

	if !s.cfg.IsEnabled() {
		return capList(permitted(catalog.All(), user), maxTools)
	}

	intent := matchIntent(query)
	if intent.helpOnly {
		return capList(permitted(resolveNames(catalog, intent.direct), user), maxTools)
	}

	names := dedupeNames(intent.direct, intent.entity, s.cfg.AlwaysInclude)
	shortlist := resolveNames(catalog, names)

	if len(shortlist) < maxTools {
		remaining := maxTools - len(shortlist)
		ranked := s.rankByEmbedding(ctx, query, catalog, names)
		if len(ranked) > remaining {
			ranked = ranked[:remaining]
		}
		shortlist = append(shortlist, ranked...)
	}

	shortlist = permitted(shortlist, user)

	if len(shortlist) == 0 && s.cfg.FallbackToCatalog {
		shortlist = permitted(catalog.All(), user)
	}
	return capList(shortlist, maxTools)
}

// rankByEmbedding scores every catalog tool not already selected against the
// query embedding, applying keyword, category and web-damping adjustments.
// An unavailable embedding model degrades to rule-only selection.
func (s *Selector) rankByEmbedding(ctx context.Context, query string, catalog *tools.Catalog, exclude []string) []tools.Definition {
	if s.embedder == nil {
		return nil
	}
	if err := s.IndexCatalog(ctx, catalog); err != nil {
		slog.Warn("tool indexing failed, skipping semantic selection", "error", err)
		return nil
	}

	vecs, err := s.embedder.EmbedTexts(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		slog.Warn("query embedding failed, skipping semantic selection", "error", err)
		return nil
	}
	queryVec := vecs[0]

	excluded := make(map[string]bool, len(exclude))
	for _, n := range exclude {
		excluded[n] = true
	}
	queryLower := strings.ToLower(query)
	categories := inferCategories(query, catalog)

	type scored struct {
		def   tools.Definition
		score float64
	}
	var candidates []scored
	for _, def := range catalog.All() {
		if excluded[def.Name] {
			continue
		}
		vec, _, ok := s.cache.Get(def.Name)
		if !ok {
			continue
		}
		sim := cosine(queryVec, vec)
		score := sim

		if boost := keywordBoost(queryLower, def.Metadata.Keywords); boost > 0 {
			score += boost
		}
		if isWebSearchTool(def) && sim < s.cfg.WebDampingBelow {
			score *= s.cfg.WebDamping
		}
		for _, cat := range def.Metadata.Categories {
			if categories[cat] {
				score += 0.1
			}
		}

		if score >= s.cfg.SimilarityThreshold {
			candidates = append(candidates, scored{def, score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	out := make([]tools.Definition, len(candidates))
	for i, c := range candidates {
		out[i] = c.def
	}
	return out
}

// IndexCatalog embeds any catalog tools missing from the cache and triggers
// an auto-save when due.
func (s *Selector) IndexCatalog(ctx context.Context, catalog *tools.Catalog) error {
	var missing []tools.Definition
	for _, def := range catalog.All() {
		if _, _, ok := s.cache.Get(def.Name); !ok {
			missing = append(missing, def)
		}
	}
	if len(missing) > 0 {
		texts := make([]string, len(missing))
		optimized := make([]tools.Definition, len(missing))
		for i, def := range missing {
			opt := OptimizeDefinition(def, s.schemaCfg)
			optimized[i] = opt
			texts[i] = indexableText(opt)
		}
		vecs, err := s.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed %d tools: %w", len(missing), err)
		}
		if len(vecs) != len(missing) {
			return fmt.Errorf("embedding count mismatch: want %d, got %d", len(missing), len(vecs))
		}
		for i, def := range missing {
			s.cache.Put(def.Name, vecs[i], optimized[i])
		}
	}
	s.cache.MaybeAutoSave()
	return nil
}

// indexableText builds the embedding input for a tool: name, description,
// metadata, parameter surface and up to three examples. Name and description
// are repeated to weight importance above the midpoint.
func indexableText(def tools.Definition) string {
	var b strings.Builder
	b.WriteString(def.Name)
	b.WriteString("\n")
	b.WriteString(def.Description)
	b.WriteString("\n")

	repeat := def.Metadata.Importance - 5
	for i := 0; i < repeat; i++ {
		b.WriteString(def.Name)
		b.WriteString(" ")
		b.WriteString(def.Description)
		b.WriteString("\n")
	}

	writeList := func(label string, items []string) {
		if len(items) > 0 {
			b.WriteString(label)
			b.WriteString(": ")
			b.WriteString(strings.Join(items, ", "))
			b.WriteString("\n")
		}
	}
	writeList("categories", def.Metadata.Categories)
	writeList("tags", def.Metadata.Tags)
	writeList("keywords", def.Metadata.Keywords)

	if def.Parameters != nil {
		for name, prop := range def.Parameters.Properties {
			if prop == nil {
				continue
			}
			fmt.Fprintf(&b, "param %s (%s): %s\n", name, prop.Type, prop.Description)
		}
	}

	examples := def.Metadata.Examples
	if len(examples) > 3 {
		examples = examples[:3]
	}
	writeList("examples", examples)

	return b.String()
}

// keywordBoost returns 0.3 for the first direct keyword hit plus 0.05 per
// additional hit, capped at 0.5.
func keywordBoost(queryLower string, keywords []string) float64 {
	hits := 0
	for _, kw := range keywords {
		if kw != "" && strings.Contains(queryLower, strings.ToLower(kw)) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	boost := 0.3 + 0.05*float64(hits-1)
	return math.Min(boost, 0.5)
}

func isWebSearchTool(def tools.Definition) bool {
	if def.Name == tools.ToolWebSearch {
		return true
	}
	for _, cat := range def.Metadata.Categories {
		if strings.EqualFold(cat, "web") {
			return true
		}
	}
	return false
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// permitted drops tools whose required permission the user does not hold.
func permitted(defs []tools.Definition, user session.User) []tools.Definition {
	out := defs[:0:0]
	for _, def := range defs {
		if user.HasPermission(def.Metadata.RequiredPermission) {
			out = append(out, def)
		}
	}
	return out
}

func resolveNames(catalog *tools.Catalog, names []string) []tools.Definition {
	var out []tools.Definition
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		if def, ok := catalog.Get(n); ok {
			out = append(out, def)
		}
	}
	return out
}

func dedupeNames(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, n := range list {
			if n != "" && !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	return out
}

func capList(defs []tools.Definition, max int) []tools.Definition {
	if max > hardCap {
		max = hardCap
	}
	if len(defs) > max {
		return defs[:max]
	}
	return defs
}
