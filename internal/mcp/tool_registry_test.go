package mcp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolRegistry_RegisterAndGet(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(nil)
	registry.Register(&ToolMetadata{})
	assert.Equal(t, 0, registry.Count())

	registry.RegisterAll(toolCatalog)
	assert.Equal(t, len(toolCatalog), registry.Count())

	tool, ok := registry.Get("validation_decide")
	require.True(t, ok)
	assert.Equal(t, CategoryDecision, tool.Category)

	_, ok = registry.Get("memory_search")
	assert.False(t, ok)

	assert.Len(t, registry.ListByCategory(CategoryRun), 2)
	assert.Len(t, registry.List(), len(toolCatalog))
}

func TestToolRegistry_Search(t *testing.T) {
	registry := NewToolRegistry()
	registry.RegisterAll(toolCatalog)

	tests := []struct {
		query   string
		first   string
		reason  string
		minHits int
	}{
		{"validation_initiate", "validation_initiate", "exact name match", 1},
		{"ALTERNATIVES", "validation_alternatives", "name contains query", 1},
		{"^validation_(status|decide)$", "validation_decide", "name matches pattern", 2},
		{"kickoff", "validation_initiate", "keyword contains query", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			results := registry.Search(tt.query)
			require.GreaterOrEqual(t, len(results), tt.minHits)
			assert.Equal(t, tt.first, results[0].Tool.Name)
			assert.Equal(t, tt.reason, results[0].MatchReason)
		})
	}

	assert.Nil(t, registry.Search(""))
	// An invalid regex falls back to literal matching.
	assert.Empty(t, registry.Search("(("))
}

func TestToolRegistry_SearchOrdering(t *testing.T) {
	registry := NewToolRegistry()
	registry.RegisterAll(toolCatalog)

	results := registry.Search("checkpoint")
	require.NotEmpty(t, results)
	for i := 1; i < len(results); i++ {
		assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
	}

	filtered := registry.SearchByCategory("validation", CategoryRun)
	for _, r := range filtered {
		assert.Equal(t, CategoryRun, r.Tool.Category)
	}
}

func TestToolRegistry_Concurrent(t *testing.T) {
	registry := NewToolRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			registry.RegisterAll(toolCatalog)
		}()
		go func() {
			defer wg.Done()
			registry.Search("validation")
		}()
	}
	wg.Wait()
	assert.Equal(t, len(toolCatalog), registry.Count())
}
