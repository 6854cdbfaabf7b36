package mcp

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools for tool_search filtering.
type ToolCategory string

const (
	CategoryRun      ToolCategory = "run"
	CategoryDecision ToolCategory = "decision"
	CategorySearch   ToolCategory = "search"
)

// ToolMetadata describes one MCP tool. The server builds its mcp.Tool
// definitions from these, so names and descriptions live in one place.
type ToolMetadata struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`
	Keywords    []string     `json:"keywords,omitempty"`
}

// ToolRegistry indexes tool metadata by name for lookup and tool_search.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolMetadata)}
}

// Register adds or replaces tool. Nameless entries are ignored.
func (r *ToolRegistry) Register(tool *ToolMetadata) {
	if tool == nil || tool.Name == "" {
		return
	}
	r.mu.Lock()
	r.tools[tool.Name] = tool
	r.mu.Unlock()
}

func (r *ToolRegistry) RegisterAll(tools []*ToolMetadata) {
	for _, t := range tools {
		r.Register(t)
	}
}

func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// List returns the tools in name order.
func (r *ToolRegistry) List() []*ToolMetadata {
	return r.ListByCategory("")
}

// ListByCategory returns the tools in category, or all tools when category
// is empty, in name order.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	r.mu.RLock()
	out := make([]*ToolMetadata, 0, len(r.tools))
	for _, t := range r.tools {
		if category == "" || t.Category == category {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SearchResult is one tool_search hit. Score is 3 for an exact name, 2 for
// a name match and 1 for a description or keyword match.
type SearchResult struct {
	Tool        *ToolMetadata `json:"tool"`
	Score       int           `json:"score"`
	MatchReason string        `json:"match_reason"`
}

// matcher tests one tool field. The first matcher that hits decides the
// score and reason of a tool.
type matcher struct {
	score  int
	reason string
	hit    func(t *ToolMetadata) bool
}

func matchers(query string) []matcher {
	q := strings.ToLower(query)
	contains := func(s string) bool { return strings.Contains(strings.ToLower(s), q) }

	// A query that does not compile is matched literally only.
	re, _ := regexp.Compile("(?i)" + query)
	matches := func(s string) bool { return re != nil && re.MatchString(s) }
	anyKeyword := func(t *ToolMetadata, f func(string) bool) bool {
		for _, kw := range t.Keywords {
			if f(kw) {
				return true
			}
		}
		return false
	}

	return []matcher{
		{3, "exact name match", func(t *ToolMetadata) bool { return strings.ToLower(t.Name) == q }},
		{2, "name contains query", func(t *ToolMetadata) bool { return contains(t.Name) }},
		{2, "name matches pattern", func(t *ToolMetadata) bool { return matches(t.Name) }},
		{1, "description contains query", func(t *ToolMetadata) bool { return contains(t.Description) }},
		{1, "description matches pattern", func(t *ToolMetadata) bool { return matches(t.Description) }},
		{1, "keyword contains query", func(t *ToolMetadata) bool { return anyKeyword(t, contains) }},
		{1, "keyword matches pattern", func(t *ToolMetadata) bool { return anyKeyword(t, matches) }},
	}
}

// Search matches query case-insensitively against names, descriptions and
// keywords, literally and as a regular expression. Results are ordered by
// score, then name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	return r.SearchByCategory(query, "")
}

// SearchByCategory is Search restricted to category. An empty category
// searches every tool.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	if query == "" {
		return nil
	}
	ms := matchers(query)

	var out []*SearchResult
	for _, t := range r.ListByCategory(category) {
		for _, m := range ms {
			if m.hit(t) {
				out = append(out, &SearchResult{Tool: t, Score: m.score, MatchReason: m.reason})
				break
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
