// Package selector picks the best model for a request by combining the
// Request Analyzer's classification, the Categorizer's capability tiers
// and token estimates, and the Rate-Limit Tracker's live capacity under a
// configurable selection strategy.
package selector

import (
	"sort"
	"sync"

	"github.com/kestrelai/llmgateway/llm/analyzer"
	"github.com/kestrelai/llmgateway/llm/categorizer"
	"github.com/kestrelai/llmgateway/llm/ratelimit"
	"github.com/kestrelai/llmgateway/types"
)

// Strategy controls how candidates are ranked once filtered.
type Strategy string

const (
	CostOptimized     Strategy = "cost_optimized"
	QualityOptimized  Strategy = "quality_optimized"
	Balanced          Strategy = "balanced"
	FreeTier          Strategy = "free_tier"
)

// ModelInfo describes one model entry in the catalog.
type ModelInfo struct {
	Name          string
	ContextWindow int
	PriceInput    float64 // USD per million input tokens
	PriceOutput   float64 // USD per million output tokens
	Free          bool
	// Category overrides the name-based heuristic when non-empty.
	Category categorizer.Category
}

// Catalog maps a provider type to the models it offers.
type Catalog map[string][]ModelInfo

// Preferences are optional per-request constraints layered on top of Strategy.
type Preferences struct {
	Strategy          Strategy
	MaxCostPerMillion float64 // 0 disables the constraint
}

// Request is the input to SelectModel.
type Request struct {
	Messages    []types.Message
	Tools       []types.ToolSchema
	MaxTokens   int
	Catalog     Catalog
	Preferences Preferences
	// Tracker, when set, filters out models that are cooling down after a
	// 429 or lack the request/token capacity for the estimated output.
	// Health scores are not consulted.
	Tracker *ratelimit.Tracker
	// RoundRobin, when set, rotates among candidates tied on the primary
	// sort key instead of always returning the first.
	RoundRobin *RoundRobin
}

// Result is the outcome of a successful selection.
type Result struct {
	Model          string
	ProviderType   string
	Category       categorizer.Category
	Analysis       analyzer.Analysis
	CandidateCount int
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
}

type candidate struct {
	providerType string
	model        ModelInfo
	category     categorizer.Category
}

// fallbackCategories lists, per recommended category, the categories tried
// next when the recommended one yields no usable candidate.
var fallbackCategories = map[categorizer.Category][]categorizer.Category{
	categorizer.Reasoning: {categorizer.Large, categorizer.Small},
	categorizer.Large:     {categorizer.Reasoning, categorizer.Small},
	categorizer.Small:     {categorizer.Large},
}

// SelectModel runs the full filter pipeline once for the recommended
// category. Use SelectWithFallback to retry across fallback categories.
func SelectModel(req Request) (*Result, error) {
	return selectForCategory(req, "")
}

// SelectWithFallback tries the recommended category, then each fallback in
// order, returning the first success. If every category fails it returns
// the original (recommended-category) error.
func SelectWithFallback(req Request) (*Result, error) {
	result, err := selectForCategory(req, "")
	if err == nil {
		return result, nil
	}
	if !isFallbackEligible(err) {
		return nil, err
	}

	recommended := recommendedCategory(req)
	for _, fallback := range fallbackCategories[recommended] {
		if r, ferr := selectForCategory(req, fallback); ferr == nil {
			return r, nil
		}
	}
	return nil, err
}

func isFallbackEligible(err error) bool {
	code := types.GetErrorCode(err)
	return code == types.ErrAllRateLimited || code == types.ErrNoCandidates
}

// BatchItem is one entry of a BatchSelect run.
type BatchItem struct {
	Result *Result
	Err    error
}

// BatchSelect runs SelectModel for each request. Requests that carry the
// same *RoundRobin share its cursors, so load distributes across the whole
// batch. A per-request failure does not abort the batch.
func BatchSelect(reqs []Request) []BatchItem {
	out := make([]BatchItem, len(reqs))
	for i, req := range reqs {
		result, err := SelectModel(req)
		out[i] = BatchItem{Result: result, Err: err}
	}
	return out
}

func recommendedCategory(req Request) categorizer.Category {
	inputTokens := estimateInputTokensAcrossCatalog(req)
	a := analyzer.Analyze(req.Messages, req.Tools, inputTokens, analyzer.Options{})
	switch {
	case a.RequiresReasoning:
		return categorizer.Reasoning
	case a.RequiresLargeContext:
		return categorizer.Large
	default:
		return categorizer.Small
	}
}

// estimateInputTokensAcrossCatalog gives analyzer.Analyze a representative
// token count before a specific model is chosen, using the first cataloged
// model as a stand-in family (token estimates only vary modestly by family).
func estimateInputTokensAcrossCatalog(req Request) int {
	for _, models := range req.Catalog {
		if len(models) > 0 {
			return categorizer.EstimateInputTokens(models[0].Name, req.Messages, req.Tools)
		}
	}
	return categorizer.EstimateInputTokens("default", req.Messages, req.Tools)
}

func selectForCategory(req Request, forceCategory categorizer.Category) (*Result, error) {
	if len(req.Catalog) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "catalog must not be empty")
	}
	if len(req.Messages) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "messages must not be empty")
	}

	candidates := flatten(req.Catalog)
	inputTokens := estimateInputTokensAcrossCatalog(req)
	a := analyzer.Analyze(req.Messages, req.Tools, inputTokens, analyzer.Options{})

	category := forceCategory
	if category == "" {
		category = recommendedCategory(req)
	}

	outputTokens := categorizer.EstimateOutputTokens(req.MaxTokens, string(a.Type))
	total := inputTokens + outputTokens

	byCategory := filterByCategory(candidates, category)
	if len(byCategory) == 0 {
		return nil, types.NewError(types.ErrNoCandidates, "no models in category "+string(category))
	}

	byContext := filterByContextWindow(byCategory, inputTokens, outputTokens)
	if len(byContext) == 0 {
		return nil, types.NewError(types.ErrContextWindowExceed, "no model's context window fits the estimated request")
	}

	byRateLimit := filterByRateLimit(byContext, req.Tracker, outputTokens)
	if len(byRateLimit) == 0 {
		return nil, types.NewError(types.ErrAllRateLimited, "every candidate model is rate-limited")
	}

	byCost := filterByCost(byRateLimit, req.Preferences.MaxCostPerMillion)
	if len(byCost) == 0 {
		return nil, types.NewError(types.ErrCostConstraintUnmet, "no model meets the cost constraint")
	}

	ranked, err := rank(byCost, req.Preferences.Strategy)
	if err != nil {
		return nil, err
	}

	chosen := pick(ranked, req.RoundRobin, string(category)+"/"+string(req.Preferences.Strategy))

	return &Result{
		Model:          chosen.model.Name,
		ProviderType:   chosen.providerType,
		Category:       category,
		Analysis:       a,
		CandidateCount: len(ranked),
		InputTokens:    inputTokens,
		OutputTokens:   outputTokens,
		TotalTokens:    total,
	}, nil
}

// flatten collapses the catalog into a candidate list, resolving duplicate
// model names within one provider's list by keeping the first occurrence.
func flatten(catalog Catalog) []candidate {
	var out []candidate
	for providerType, models := range catalog {
		seen := make(map[string]bool, len(models))
		for _, m := range models {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			cat := m.Category
			if cat == "" {
				cat = categorizer.Categorize(m.Name)
			}
			out = append(out, candidate{providerType: providerType, model: m, category: cat})
		}
	}
	// Catalog is a map, so iteration order is otherwise nondeterministic;
	// sort so ranking and round-robin ties are reproducible.
	sort.Slice(out, func(i, j int) bool {
		if out[i].providerType != out[j].providerType {
			return out[i].providerType < out[j].providerType
		}
		return out[i].model.Name < out[j].model.Name
	})
	return out
}

func filterByCategory(candidates []candidate, category categorizer.Category) []candidate {
	var out []candidate
	for _, c := range candidates {
		if c.category == category {
			out = append(out, c)
		}
	}
	return out
}

func filterByContextWindow(candidates []candidate, inputTokens, outputTokens int) []candidate {
	required := inputTokens + outputTokens
	var out []candidate
	for _, c := range candidates {
		if categorizer.SupportsContextWindow(c.model.ContextWindow, required) {
			out = append(out, c)
		}
	}
	return out
}

func filterByRateLimit(candidates []candidate, tracker *ratelimit.Tracker, requiredTokens int) []candidate {
	if tracker == nil {
		return candidates
	}
	var out []candidate
	for _, c := range candidates {
		ref := ratelimit.Ref{ProviderType: c.providerType, Model: c.model.Name}
		if tracker.CanMakeRequest(ref, requiredTokens) {
			out = append(out, c)
		}
	}
	return out
}

func filterByCost(candidates []candidate, maxCostPerMillion float64) []candidate {
	if maxCostPerMillion <= 0 {
		return candidates
	}
	var out []candidate
	for _, c := range candidates {
		avgCost := (c.model.PriceInput + c.model.PriceOutput) / 2
		if avgCost <= maxCostPerMillion {
			out = append(out, c)
		}
	}
	return out
}

func rank(candidates []candidate, strategy Strategy) ([]candidate, error) {
	switch strategy {
	case "", Balanced:
		out := append([]candidate(nil), candidates...)
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].model.Free != out[j].model.Free {
				return out[i].model.Free
			}
			return out[i].model.ContextWindow > out[j].model.ContextWindow
		})
		return out, nil
	case CostOptimized:
		out := append([]candidate(nil), candidates...)
		sort.SliceStable(out, func(i, j int) bool {
			return avgCost(out[i]) < avgCost(out[j])
		})
		return out, nil
	case QualityOptimized:
		out := append([]candidate(nil), candidates...)
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].model.ContextWindow != out[j].model.ContextWindow {
				return out[i].model.ContextWindow > out[j].model.ContextWindow
			}
			return !out[i].model.Free && out[j].model.Free
		})
		return out, nil
	case FreeTier:
		var out []candidate
		for _, c := range candidates {
			if c.model.Free {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			return nil, types.NewError(types.ErrNoCandidates, "no free-tier models available")
		}
		return out, nil
	default:
		return nil, types.NewError(types.ErrUnknownStrategy, "unknown strategy: "+string(strategy))
	}
}

func avgCost(c candidate) float64 {
	return (c.model.PriceInput + c.model.PriceOutput) / 2
}

// pick returns the first-ranked candidate, or rotates among the candidates
// tied with it on rr's key if rr is supplied.
func pick(ranked []candidate, rr *RoundRobin, key string) candidate {
	if rr == nil || len(ranked) == 0 {
		return ranked[0]
	}

	top := ranked[0]
	tied := []candidate{top}
	for _, c := range ranked[1:] {
		if tiedWith(top, c) {
			tied = append(tied, c)
		}
	}
	if len(tied) == 1 {
		return top
	}
	return tied[rr.Next(key, len(tied))]
}

func tiedWith(a, b candidate) bool {
	return a.model.ContextWindow == b.model.ContextWindow && avgCost(a) == avgCost(b)
}

// RoundRobin rotates across ties for a given selector key (category+strategy).
type RoundRobin struct {
	mu      sync.Mutex
	cursors map[string]int
}

// NewRoundRobin creates an empty RoundRobin.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{cursors: make(map[string]int)}
}

// Next advances and returns the cursor for key, modulo n.
func (r *RoundRobin) Next(key string, n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.cursors[key] % n
	r.cursors[key] = idx + 1
	return idx
}
