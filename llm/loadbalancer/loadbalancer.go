// Package loadbalancer distributes calls across equivalent provider
// credentials round-robin, skipping ones the Rate-Limit Tracker reports as
// exhausted or unhealthy. Unlike llm.APIKeyPool it holds no database
// connection: credential pools are rebuilt per request from configuration.
package loadbalancer

import (
	"sync"

	"github.com/kestrelai/llmgateway/llm/ratelimit"
)

// Credential is one entry in a provider-type's credential pool.
type Credential struct {
	ID           string
	ProviderType string
	APIKey       string
	APIEndpoint  string
	ModelName    string
	Priority     int
}

// LoadBalancer round-robins across credentials of the same provider type,
// consulting an optional Tracker to skip unavailable ones. It does not
// itself record success/failure; callers update the Tracker after the
// upstream call returns.
type LoadBalancer struct {
	mu      sync.Mutex
	cursors map[string]int
	tracker *ratelimit.Tracker
}

// New creates a LoadBalancer. tracker may be nil, in which case every
// credential is considered available.
func New(tracker *ratelimit.Tracker) *LoadBalancer {
	return &LoadBalancer{cursors: make(map[string]int), tracker: tracker}
}

// Distribute picks one credential for model from providers, round-robin,
// skipping any whose (providerType, model) the tracker reports as
// unavailable or lacking requiredTokens of capacity. Returns nil if
// providers is empty or every candidate is currently unavailable.
func (lb *LoadBalancer) Distribute(providers []Credential, model string, requiredTokens int) *Credential {
	if len(providers) == 0 {
		return nil
	}

	eligible := lb.eligible(providers, model, requiredTokens)
	if len(eligible) == 0 {
		return nil
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	key := providers[0].ProviderType
	idx := lb.cursors[key] % len(eligible)
	lb.cursors[key] = idx + 1
	chosen := eligible[idx]
	return &chosen
}

// eligible filters by the tracker's per-credential capacity. Each
// credential is its own rate-limit subject (it has its own account/key
// limits) even when several credentials share a ProviderType pool, so the
// tracker is keyed on the credential ID rather than the pool name.
func (lb *LoadBalancer) eligible(providers []Credential, model string, requiredTokens int) []Credential {
	if lb.tracker == nil {
		return providers
	}
	out := make([]Credential, 0, len(providers))
	for _, c := range providers {
		ref := ratelimit.Ref{ProviderType: c.ID, Model: model}
		if lb.tracker.CanMakeRequest(ref, requiredTokens) {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the round-robin cursor for a single provider type key.
func (lb *LoadBalancer) Reset(providerType string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	delete(lb.cursors, providerType)
}

// ResetAll clears every round-robin cursor.
func (lb *LoadBalancer) ResetAll() {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	lb.cursors = make(map[string]int)
}
