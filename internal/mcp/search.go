package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type toolSearchInput struct {
	Query    string `json:"query" jsonschema:"Regex pattern or search query matched against tool names, descriptions and keywords"`
	Category string `json:"category,omitempty" jsonschema:"Filter results to a category (run, decision, search)"`
	Limit    int    `json:"limit,omitempty" jsonschema:"Maximum results to return (default: 5)"`
}

type toolSearchResult struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Score       int    `json:"score"`
	MatchReason string `json:"match_reason"`
}

type toolSearchOutput struct {
	Query      string             `json:"query"`
	Results    []toolSearchResult `json:"results"`
	Count      int                `json:"count"`
	TotalTools int                `json:"total_tools"`
}

func (s *Server) registerSearchTools() {
	mcp.AddTool(s.mcp, s.tool("tool_search"), instrument(s, "tool_search", s.searchTools))
}

func (s *Server) searchTools(_ context.Context, args toolSearchInput) (toolSearchOutput, error) {
	if args.Query == "" {
		return toolSearchOutput{}, fmt.Errorf("query is required")
	}
	limit := args.Limit
	if limit <= 0 {
		limit = 5
	}

	var found []*SearchResult
	if args.Category != "" {
		found = s.toolRegistry.SearchByCategory(args.Query, ToolCategory(args.Category))
	} else {
		found = s.toolRegistry.Search(args.Query)
	}
	if len(found) > limit {
		found = found[:limit]
	}

	out := toolSearchOutput{Query: args.Query, Results: make([]toolSearchResult, 0, len(found)), TotalTools: s.toolRegistry.Count()}
	for _, r := range found {
		out.Results = append(out.Results, toolSearchResult{
			Name:        r.Tool.Name,
			Description: r.Tool.Description,
			Category:    string(r.Tool.Category),
			Score:       r.Score,
			MatchReason: r.MatchReason,
		})
	}
	out.Count = len(out.Results)
	return out, nil
}
