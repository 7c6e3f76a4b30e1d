package selector

import (
	"regexp"
	"strings"

	"github.com/tidewater-ai/keel/internal/tools"
)

// projectKeyRe matches an issue-tracker project key like "PROJ" or "API_V2".
var projectKeyRe = regexp.MustCompile(`\b[A-Z][A-Z0-9_]{1,15}\b`)

var (
	helpKeywords    = []string{"help", "what can you do", "capabilities"}
	repoKeywords    = []string{"repo", "repos", "repository", "repositories"}
	listVerbs       = []string{"list", "show", "get", "display", "what"}
	ticketPhrases   = []string{"my tickets", "my issues", "assigned to me"}
	projectKeywords = []string{"project", "issues", "tickets", "sprint", "board"}
	codeKeywords    = []string{"code", "function", "class", "implementation", "source"}
	webKeywords     = []string{"web", "online", "internet", "news", "latest", "look up"}
)

// intentMatch is the outcome of the rule layer: tools selected by direct
// intent, tools added as entity-mention boosts, and whether the help rule
// short-circuits everything else.
type intentMatch struct {
	direct   []string
	entity   []string
	helpOnly bool
}

// matchIntent pattern-matches the query against the rule set. The entity
// pass uses the same rules with looser requirements and may add tools the
// direct pass did not.
func matchIntent(query string) intentMatch {
	q := strings.ToLower(query)
	var m intentMatch

	if containsAny(q, helpKeywords) {
		m.helpOnly = true
		m.direct = []string{tools.ToolHelp}
		return m
	}

	// Direct intent: keyword plus verb evidence.
	if containsAny(q, repoKeywords) && containsAny(q, listVerbs) {
		m.direct = append(m.direct, tools.ToolListRepos)
	}
	if containsAny(q, ticketPhrases) {
		m.direct = append(m.direct, tools.ToolUserIssues)
	}
	if projectKeyRe.MatchString(query) && containsAny(q, projectKeywords) {
		m.direct = append(m.direct, tools.ToolProjectIssues)
	}
	if containsAny(q, codeKeywords) {
		m.direct = append(m.direct, tools.ToolCodeSearch)
	}
	if containsAny(q, webKeywords) {
		m.direct = append(m.direct, tools.ToolWebSearch)
	}

	// Entity mentions: bare keyword evidence is enough to boost.
	if containsAny(q, repoKeywords) {
		m.entity = append(m.entity, tools.ToolListRepos)
	}
	if strings.Contains(q, "ticket") || strings.Contains(q, "issue") {
		m.entity = append(m.entity, tools.ToolUserIssues, tools.ToolProjectIssues)
	}
	if containsAny(q, codeKeywords) {
		m.entity = append(m.entity, tools.ToolCodeSearch)
	}

	return m
}

// inferCategories maps the query onto catalog categories by direct mention.
func inferCategories(query string, catalog *tools.Catalog) map[string]bool {
	q := strings.ToLower(query)
	categories := make(map[string]bool)
	for _, def := range catalog.All() {
		for _, cat := range def.Metadata.Categories {
			if cat != "" && strings.Contains(q, strings.ToLower(cat)) {
				categories[cat] = true
			}
		}
	}
	return categories
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}
