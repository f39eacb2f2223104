package provider

import (
	"sort"
	"sync"

	"github.com/neul-labs/openclaw/pkg/eventlog"
)

// UsageTracker accumulates token usage per model across provider calls.
// Safe for concurrent use.
type UsageTracker struct {
	mu      sync.Mutex
	byModel map[string]*ModelUsage
}

// ModelUsage is a snapshot of accumulated usage for one model.
type ModelUsage struct {
	Model  string              `json:"model"`
	Calls  uint64              `json:"calls"`
	Tokens eventlog.TokenUsage `json:"tokens"`
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{byModel: make(map[string]*ModelUsage)}
}

// Record folds one response's counters into the model's running totals.
func (t *UsageTracker) Record(model string, tokens eventlog.TokenUsage) {
	if model == "" {
		model = "unknown"
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	usage, ok := t.byModel[model]
	if !ok {
		usage = &ModelUsage{Model: model}
		t.byModel[model] = usage
	}
	usage.Calls++
	usage.Tokens.Add(tokens)
}

// ForModel returns the accumulated usage for one model. Unknown models
// read as zero.
func (t *UsageTracker) ForModel(model string) ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	if usage, ok := t.byModel[model]; ok {
		return *usage
	}
	return ModelUsage{Model: model}
}

// Snapshot returns per-model usage sorted by model name.
func (t *UsageTracker) Snapshot() []ModelUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]ModelUsage, 0, len(t.byModel))
	for _, usage := range t.byModel {
		out = append(out, *usage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Total returns counters summed across all models.
func (t *UsageTracker) Total() eventlog.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total eventlog.TokenUsage
	for _, usage := range t.byModel {
		total.Add(usage.Tokens)
	}
	return total
}
