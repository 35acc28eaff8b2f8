// Package models is a small catalog of model metadata the runtime needs:
// context windows (compaction trigger), per-token pricing (cost tracking),
// and capability flags (thinking-level gating). Unknown models degrade
// gracefully — lookups return nil and callers fall back to configuration.
package models

import "strings"

// Info describes one model.
type Info struct {
	ID            string
	Provider      string
	ContextWindow int

	// Costs are USD per million tokens.
	InputCostPer1M      float64
	OutputCostPer1M     float64
	CacheReadCostPer1M  float64
	CacheWriteCostPer1M float64

	// SupportsThinking marks models that accept a reasoning budget.
	SupportsThinking bool
	// SupportsXHigh marks models that accept the xhigh reasoning level.
	SupportsXHigh bool
}

var catalog = []Info{
	{
		ID: "claude-opus-4-5", Provider: "anthropic", ContextWindow: 200000,
		InputCostPer1M: 5, OutputCostPer1M: 25,
		CacheReadCostPer1M: 0.5, CacheWriteCostPer1M: 6.25,
		SupportsThinking: true, SupportsXHigh: true,
	},
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000,
		InputCostPer1M: 3, OutputCostPer1M: 15,
		CacheReadCostPer1M: 0.3, CacheWriteCostPer1M: 3.75,
		SupportsThinking: true,
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", ContextWindow: 200000,
		InputCostPer1M: 1, OutputCostPer1M: 5,
		CacheReadCostPer1M: 0.1, CacheWriteCostPer1M: 1.25,
		SupportsThinking: true,
	},
	{
		ID: "gpt-5.2", Provider: "openai", ContextWindow: 400000,
		InputCostPer1M: 1.25, OutputCostPer1M: 10,
		CacheReadCostPer1M: 0.125,
		SupportsThinking:   true, SupportsXHigh: true,
	},
	{
		ID: "gpt-5-mini", Provider: "openai", ContextWindow: 400000,
		InputCostPer1M: 0.25, OutputCostPer1M: 2,
		CacheReadCostPer1M: 0.025,
		SupportsThinking:   true,
	},
	{
		ID: "gpt-4.1", Provider: "openai", ContextWindow: 1000000,
		InputCostPer1M: 2, OutputCostPer1M: 8,
		CacheReadCostPer1M: 0.5,
	},
}

// Lookup finds model info by ID. Matching is by substring so regional or
// dated variants (us.anthropic.claude-opus-4-5-20251101-v1:0,
// claude-opus-4-5-20251101) resolve to their base entry. Returns nil when
// unknown.
func Lookup(modelID string) *Info {
	id := strings.ToLower(modelID)
	for i := range catalog {
		if strings.Contains(id, catalog[i].ID) {
			return &catalog[i]
		}
	}
	return nil
}

// ContextWindow returns the model's context window, or def when unknown.
func ContextWindow(modelID string, def int) int {
	if info := Lookup(modelID); info != nil {
		return info.ContextWindow
	}
	return def
}

// SupportsXHigh reports whether the model accepts the xhigh thinking level.
func SupportsXHigh(modelID string) bool {
	info := Lookup(modelID)
	return info != nil && info.SupportsXHigh
}

// All returns the catalog (read-only by convention).
func All() []Info {
	return catalog
}
