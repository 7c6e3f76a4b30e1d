package selector

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidewater-ai/keel/internal/config"
	"github.com/tidewater-ai/keel/internal/session"
	"github.com/tidewater-ai/keel/internal/tools"
)

// fakeEmbedder returns canned vectors keyed by the first line of the input
// text, which for tool indexing is the tool name. Queries fall back to
// queryVec.
type fakeEmbedder struct {
	vectors  map[string][]float32
	queryVec []float32
	calls    int
	err      error
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		name, _, _ := strings.Cut(t, "\n")
		if vec, ok := f.vectors[name]; ok {
			out[i] = vec
		} else {
			out[i] = f.queryVec
		}
	}
	return out, nil
}

func boolPtr(b bool) *bool { return &b }

func testSelectorConfig() config.SelectorConfig {
	return config.SelectorConfig{
		SimilarityThreshold: 0.3,
		MaxTools:            6,
		WebDamping:          0.85,
		WebDampingBelow:     0.8,
	}
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	return LoadCache(filepath.Join(t.TempDir(), "embeddings.json"), time.Hour)
}

func register(t *testing.T, c *tools.Catalog, defs ...tools.Definition) {
	t.Helper()
	for _, def := range defs {
		require.NoError(t, c.Register(def))
	}
}

func names(defs []tools.Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestSelectDisabledReturnsCatalogOrder(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.Enabled = boolPtr(false)
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: "alpha_one"},
		tools.Definition{Name: "beta_two"},
		tools.Definition{Name: "gamma_three"},
	)
	s := New(cfg, config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "anything at all", session.User{}, catalog, 2)
	assert.Equal(t, []string{"alpha_one", "beta_two"}, names(got))
}

func TestSelectHardCap(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.Enabled = boolPtr(false)
	catalog := tools.NewCatalog()
	for _, n := range []string{"t_1", "t_2", "t_3", "t_4", "t_5", "t_6", "t_7", "t_8"} {
		register(t, catalog, tools.Definition{Name: n})
	}
	s := New(cfg, config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "anything", session.User{}, catalog, 50)
	assert.Len(t, got, hardCap)
}

func TestSelectHelpShortCircuits(t *testing.T) {
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: tools.ToolHelp},
		tools.Definition{Name: tools.ToolListRepos},
		tools.Definition{Name: tools.ToolCodeSearch},
	)
	s := New(testSelectorConfig(), config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "what can you do?", session.User{}, catalog, 6)
	assert.Equal(t, []string{tools.ToolHelp}, names(got))
}

func TestSelectRuleMatch(t *testing.T) {
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: tools.ToolListRepos},
		tools.Definition{Name: tools.ToolCodeSearch},
	)
	// nil embedder: rule layer only.
	s := New(testSelectorConfig(), config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "list my repositories", session.User{}, catalog, 6)
	require.NotEmpty(t, got)
	assert.Equal(t, tools.ToolListRepos, got[0].Name)
	assert.NotContains(t, names(got), tools.ToolCodeSearch)
}

func TestSelectPermissionFilter(t *testing.T) {
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: tools.ToolUserIssues,
			Metadata: tools.Metadata{RequiredPermission: "JIRA_READ"}},
	)
	s := New(testSelectorConfig(), config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "show my tickets please", session.User{}, catalog, 6)
	assert.Empty(t, got)

	user := session.User{Permissions: map[string]bool{"JIRA_READ": true}}
	got = s.Select(context.Background(), "show my tickets please", user, catalog, 6)
	assert.Equal(t, []string{tools.ToolUserIssues}, names(got))
}

func TestSelectFallbackToCatalog(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.FallbackToCatalog = true
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: "docs_search"},
		tools.Definition{Name: "wiki_lookup"},
	)
	// No rules fire and no embedder is available.
	s := New(cfg, config.SchemaOptConfig{}, nil, newTestCache(t))

	got := s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	assert.Equal(t, []string{"docs_search", "wiki_lookup"}, names(got))
}

func TestSelectEmbeddingRanking(t *testing.T) {
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: "docs_search"},
		tools.Definition{Name: "wiki_lookup",
			Metadata: tools.Metadata{Keywords: []string{"revenue"}}},
		tools.Definition{Name: tools.ToolWebSearch},
		tools.Definition{Name: "unrelated_tool"},
	)
	emb := &fakeEmbedder{
		queryVec: []float32{1, 0, 0},
		vectors: map[string][]float32{
			"docs_search":      {1, 0, 0},       // sim 1.0
			"wiki_lookup":      {0.6, 0.8, 0},   // sim 0.6 + 0.3 keyword = 0.9
			tools.ToolWebSearch: {0.6, 0.8, 0},  // sim 0.6 < 0.8 → ×0.85 = 0.51
			"unrelated_tool":   {0, 1, 0},       // sim 0.0, below threshold
		},
	}
	s := New(testSelectorConfig(), config.SchemaOptConfig{}, emb, newTestCache(t))

	got := s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	assert.Equal(t, []string{"docs_search", "wiki_lookup", tools.ToolWebSearch}, names(got))
}

func TestSelectAlwaysIncludeLeads(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.AlwaysInclude = []string{"docs_search"}
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: "docs_search"},
		tools.Definition{Name: "wiki_lookup"},
	)
	emb := &fakeEmbedder{
		queryVec: []float32{1, 0, 0},
		vectors: map[string][]float32{
			"docs_search": {0, 1, 0},
			"wiki_lookup": {1, 0, 0},
		},
	}
	s := New(cfg, config.SchemaOptConfig{}, emb, newTestCache(t))

	got := s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	// The always-include tool leads even though its similarity is zero.
	assert.Equal(t, []string{"docs_search", "wiki_lookup"}, names(got))
}

func TestSelectEmbedsOncePerTool(t *testing.T) {
	catalog := tools.NewCatalog()
	register(t, catalog, tools.Definition{Name: "docs_search"})
	emb := &fakeEmbedder{
		queryVec: []float32{1, 0, 0},
		vectors:  map[string][]float32{"docs_search": {1, 0, 0}},
	}
	s := New(testSelectorConfig(), config.SchemaOptConfig{}, emb, newTestCache(t))

	s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	assert.Equal(t, 2, emb.calls) // one index batch, one query

	s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	assert.Equal(t, 3, emb.calls) // query only; index is cached
}

func TestSelectEmbedderFailureDegradesToRules(t *testing.T) {
	cfg := testSelectorConfig()
	cfg.FallbackToCatalog = true
	catalog := tools.NewCatalog()
	register(t, catalog,
		tools.Definition{Name: tools.ToolListRepos},
		tools.Definition{Name: "docs_search"},
	)
	emb := &fakeEmbedder{err: errors.New("embedding service down")}
	s := New(cfg, config.SchemaOptConfig{}, emb, newTestCache(t))

	// Rules still fire.
	got := s.Select(context.Background(), "list my repositories", session.User{}, catalog, 6)
	assert.Equal(t, []string{tools.ToolListRepos}, names(got))

	// No rules: fallback serves the catalog.
	got = s.Select(context.Background(), "quarterly revenue figures", session.User{}, catalog, 6)
	assert.Equal(t, []string{tools.ToolListRepos, "docs_search"}, names(got))
}

func TestKeywordBoost(t *testing.T) {
	assert.Equal(t, 0.0, keywordBoost("find revenue", nil))
	assert.Equal(t, 0.0, keywordBoost("find revenue", []string{"cost"}))
	assert.InDelta(t, 0.3, keywordBoost("find revenue", []string{"revenue"}), 1e-9)
	assert.InDelta(t, 0.35, keywordBoost("find revenue report", []string{"revenue", "report"}), 1e-9)
	// Five hits would exceed the cap.
	assert.InDelta(t, 0.5, keywordBoost("a b c d e f",
		[]string{"a", "b", "c", "d", "e", "f"}), 1e-9)
}

func TestCosine(t *testing.T) {
	assert.Equal(t, 0.0, cosine(nil, nil))
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestIndexableTextRepeatsByImportance(t *testing.T) {
	def := tools.Definition{
		Name:        "docs_search",
		Description: "Search internal docs.",
		Metadata:    tools.Metadata{Importance: 7},
	}
	text := indexableText(def)
	// Importance 7 repeats name+description 2 extra times beyond the header.
	assert.Equal(t, 3, strings.Count(text, "docs_search"))
}

func TestMatchIntentEntities(t *testing.T) {
	m := matchIntent("anything about issue ABC in repo land")
	assert.False(t, m.helpOnly)
	assert.Contains(t, m.entity, tools.ToolListRepos)
	assert.Contains(t, m.entity, tools.ToolUserIssues)
	assert.Contains(t, m.entity, tools.ToolProjectIssues)
}

func TestMatchIntentProjectKey(t *testing.T) {
	m := matchIntent("show issues in project PLAT")
	assert.Contains(t, m.direct, tools.ToolProjectIssues)

	// Lowercase text never looks like a project key.
	m = matchIntent("show issues in project plat")
	assert.NotContains(t, m.direct, tools.ToolProjectIssues)
}
