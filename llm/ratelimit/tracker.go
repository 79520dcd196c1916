// Package ratelimit tracks per-(provider,model) request/token capacity,
// 429 cooldowns, and rolling health/performance so a selector can route
// away from exhausted or unhealthy models.
package ratelimit

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limits bounds a model's usage. A nil field means unlimited.
type Limits struct {
	RequestsPerMinute *int64 `json:"requests_per_minute,omitempty"`
	TokensPerMinute   *int64 `json:"tokens_per_minute,omitempty"`
	RequestsPerDay    *int64 `json:"requests_per_day,omitempty"`
}

// Ref identifies a (provider, model) pair.
type Ref struct {
	ProviderType string
	Model        string
}

func (r Ref) key() string { return r.ProviderType + "\x00" + r.Model }

// Capacity is the public snapshot returned by GetCapacity. Remaining fields
// are nil when the corresponding limit is unlimited.
type Capacity struct {
	Requests      *int64
	Tokens        *int64
	RequestsToday *int64
	Available     bool
	RetryAfter    int
	// LimitsResetAt is when the provider's advertised quota window resets,
	// parsed from x-ratelimit-reset-*/x-goog-quota-reset headers. It is
	// informational only: it never sets UnavailableUntil, since a quota
	// reset time is not an outage cooldown (see UpdateFromHeaders).
	LimitsResetAt *time.Time
}

// AveragePerformance summarizes the most recent performance samples.
type AveragePerformance struct {
	AvgTTFT     time.Duration
	AvgDuration time.Duration
	SampleSize  int
}

// entry is a single tracked call: when it happened and how many tokens it
// consumed. requestsUsed/tokensUsed are derived by summing entries within
// the trailing 60s window rather than maintained as independent counters,
// so the two can never drift apart.
type entry struct {
	Timestamp time.Time `json:"ts"`
	Tokens    int       `json:"tokens"`
}

type perfSample struct {
	TTFT      time.Duration `json:"ttft"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

const perfHistoryCap = 100

// perfRing is a fixed-capacity drop-oldest buffer, the same shape as the
// health monitor's per-second QPS buckets: bounded memory regardless of
// call volume.
type perfRing struct {
	samples []perfSample
}

func (r *perfRing) add(s perfSample) {
	r.samples = append(r.samples, s)
	if len(r.samples) > perfHistoryCap {
		r.samples = r.samples[len(r.samples)-perfHistoryCap:]
	}
}

func (r *perfRing) recent(n int) []perfSample {
	if n >= len(r.samples) {
		return r.samples
	}
	return r.samples[len(r.samples)-n:]
}

type modelState struct {
	Limits              Limits
	History             []entry
	RequestsToday       int64
	LastReset           time.Time
	LastDayReset        time.Time
	UnavailableUntil    *time.Time
	RetryAfter          int
	TotalRequests       int64
	SuccessfulRequests  int64
	ConsecutiveErrors   int
	Perf                perfRing
	LastResponseHeaders map[string]string
	LimitsResetAt       *time.Time
}

// Persistence is the optional hook a Tracker uses to survive restarts.
// Save is invoked after every mutating public call; Load once at
// construction.
type Persistence interface {
	Save(state []byte) error
	Load() ([]byte, error)
}

// Config configures a Tracker. The zero value is not usable; use
// DefaultConfig.
type Config struct {
	// Clock abstracts time.Now so tests can advance time deterministically.
	Clock func() time.Time
	// AutoReset enables the opportunistic minute/day counter rollover on
	// every mutating call.
	AutoReset   bool
	Persistence Persistence
	Logger      *zap.Logger
}

// DefaultConfig returns AutoReset enabled, real clock, no persistence.
func DefaultConfig() *Config {
	return &Config{Clock: time.Now, AutoReset: true}
}

func (c *Config) normalized() *Config {
	cp := *c
	if cp.Clock == nil {
		cp.Clock = time.Now
	}
	if cp.Logger == nil {
		cp.Logger = zap.NewNop()
	}
	return &cp
}

// Tracker is the rate-limit and health tracker. Safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	cfg    *Config
	states map[string]*modelState
}

// New creates a Tracker, loading persisted state if cfg.Persistence is set.
// nil cfg uses DefaultConfig.
func New(cfg *Config) *Tracker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	t := &Tracker{cfg: cfg.normalized(), states: make(map[string]*modelState)}
	if t.cfg.Persistence != nil {
		if data, err := t.cfg.Persistence.Load(); err == nil && len(data) > 0 {
			if err := t.loadJSON(data); err != nil {
				t.cfg.Logger.Warn("ratelimit: failed to load persisted state", zap.Error(err))
			}
		}
	}
	return t
}

func (t *Tracker) now() time.Time { return t.cfg.Clock() }

func (t *Tracker) stateFor(ref Ref) *modelState {
	k := ref.key()
	s, ok := t.states[k]
	if !ok {
		now := t.now()
		s = &modelState{LastReset: now, LastDayReset: now}
		t.states[k] = s
	}
	return s
}

// SetLimits assigns the capacity limits for (providerType, model).
func (t *Tracker) SetLimits(ref Ref, limits Limits) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFor(ref).Limits = limits
	t.persist()
}

// ensureFresh advances the minute/day rollover markers and clears the
// daily counter when a day has elapsed. The minute window itself is
// derived live from History, so this only affects RequestsToday.
func (t *Tracker) ensureFresh(s *modelState, now time.Time) {
	if !t.cfg.AutoReset {
		return
	}
	if now.Sub(s.LastReset) >= time.Minute {
		s.LastReset = now
	}
	if now.Sub(s.LastDayReset) >= 24*time.Hour {
		s.RequestsToday = 0
		s.LastDayReset = now
	}
}

// cleanHistory drops entries older than 60s and returns the requests/tokens
// used within the trailing window.
func cleanHistory(s *modelState, now time.Time) (requestsUsed int64, tokensUsed int64) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(s.History) && s.History[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		s.History = s.History[i:]
	}
	for _, e := range s.History {
		requestsUsed++
		tokensUsed += int64(e.Tokens)
	}
	return
}

// TrackRequest records a completed call against (providerType, model).
func (t *Tracker) TrackRequest(ref Ref, tokens int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.stateFor(ref)
	t.ensureFresh(s, now)
	s.History = append(s.History, entry{Timestamp: now, Tokens: tokens})
	s.RequestsToday++
	cleanHistory(s, now)
	t.persist()
}

// UpdateFromHeaders parses standard and Google-style rate-limit headers.
// Invalid values are silently ignored; the raw headers are retained for
// debugging.
func (t *Tracker) UpdateFromHeaders(ref Ref, headers map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.stateFor(ref)
	s.LastResponseHeaders = headers

	lower := make(map[string]string, len(headers))
	for k, v := range headers {
		lower[strings.ToLower(k)] = v
	}

	if v, ok := firstNonEmpty(lower, "x-ratelimit-remaining-requests", "x-goog-quota-remaining-requests"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit := n
			s.Limits.RequestsPerMinute = &limit
		}
	}
	if v, ok := firstNonEmpty(lower, "x-ratelimit-remaining-tokens", "x-goog-quota-remaining-tokens"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			limit := n
			s.Limits.TokensPerMinute = &limit
		}
	}
	if v, ok := firstNonEmpty(lower, "x-ratelimit-reset-requests", "x-ratelimit-reset-tokens", "x-goog-quota-reset"); ok {
		if resetAt, ok := parseResetValue(v, now); ok {
			// A quota-window reset is informational capacity, not an outage:
			// it says when the provider will credit back the minute's budget,
			// not that the provider is down. UnavailableUntil is reserved
			// exclusively for UpdateFrom429's explicit cooldown and is
			// deliberately left untouched here — a 429 response carries these
			// same reset headers, and clearing UnavailableUntil on every
			// header parse would cancel that cooldown out from under it. The
			// parsed value is retained on LimitsResetAt for callers that want
			// to know when remaining capacity will refill.
			s.LimitsResetAt = &resetAt
		}
	}
	t.persist()
}

func firstNonEmpty(m map[string]string, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// parseResetValue disambiguates an epoch-millis, epoch-seconds, or
// seconds-from-now reset value by magnitude.
func parseResetValue(raw string, now time.Time) (time.Time, bool) {
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, false
	}
	switch {
	case n > 1e12:
		return time.UnixMilli(int64(n)), true
	case n > 1e9:
		return time.Unix(int64(n), 0), true
	default:
		return now.Add(time.Duration(n * float64(time.Second))), true
	}
}

// UpdateFrom429 marks (providerType, model) unavailable for retryAfterSec
// seconds (default 60 when <= 0) and counts it as an error.
func (t *Tracker) UpdateFrom429(ref Ref, retryAfterSec int) {
	if retryAfterSec <= 0 {
		retryAfterSec = 60
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.stateFor(ref)
	until := now.Add(time.Duration(retryAfterSec) * time.Second)
	s.UnavailableUntil = &until
	s.RetryAfter = retryAfterSec
	t.recordErrorLocked(s)
	t.persist()
}

// CanMakeRequest reports whether a call with requiredTokens may proceed.
func (t *Tracker) CanMakeRequest(ref Ref, requiredTokens int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.stateFor(ref)
	t.ensureFresh(s, now)
	return t.canMakeRequestLocked(s, now, requiredTokens)
}

func (t *Tracker) canMakeRequestLocked(s *modelState, now time.Time, requiredTokens int) bool {
	if s.UnavailableUntil != nil && now.Before(*s.UnavailableUntil) {
		return false
	}
	requestsUsed, tokensUsed := cleanHistory(s, now)
	if s.Limits.RequestsPerMinute != nil && requestsUsed >= *s.Limits.RequestsPerMinute {
		return false
	}
	if s.Limits.TokensPerMinute != nil && tokensUsed+int64(requiredTokens) > *s.Limits.TokensPerMinute {
		return false
	}
	if s.Limits.RequestsPerDay != nil && s.RequestsToday >= *s.Limits.RequestsPerDay {
		return false
	}
	return true
}

// GetCapacity returns the current remaining capacity for (providerType, model).
func (t *Tracker) GetCapacity(ref Ref) Capacity {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := t.stateFor(ref)
	t.ensureFresh(s, now)
	requestsUsed, tokensUsed := cleanHistory(s, now)

	result := Capacity{Available: t.canMakeRequestLocked(s, now, 0), RetryAfter: s.RetryAfter, LimitsResetAt: s.LimitsResetAt}
	if s.Limits.RequestsPerMinute != nil {
		remaining := *s.Limits.RequestsPerMinute - requestsUsed
		result.Requests = &remaining
	}
	if s.Limits.TokensPerMinute != nil {
		remaining := *s.Limits.TokensPerMinute - tokensUsed
		result.Tokens = &remaining
	}
	if s.Limits.RequestsPerDay != nil {
		remaining := *s.Limits.RequestsPerDay - s.RequestsToday
		result.RequestsToday = &remaining
	}
	return result
}

// RecordSuccess marks a successful call, resetting consecutive errors.
func (t *Tracker) RecordSuccess(ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(ref)
	s.TotalRequests++
	s.SuccessfulRequests++
	s.ConsecutiveErrors = 0
	t.persist()
}

// RecordError marks a failed call.
func (t *Tracker) RecordError(ref Ref) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordErrorLocked(t.stateFor(ref))
	t.persist()
}

func (t *Tracker) recordErrorLocked(s *modelState) {
	s.TotalRequests++
	s.ConsecutiveErrors++
}

// HealthScore computes the 0-100 health score: 70*(success ratio) minus a
// penalty for consecutive errors (capped at 10), clamped to [0,100]. A
// model with no history scores 100 (assume healthy).
func (t *Tracker) HealthScore(ref Ref) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return healthScore(t.stateFor(ref))
}

func healthScore(s *modelState) float64 {
	if s.TotalRequests == 0 {
		return 100
	}
	ratio := float64(s.SuccessfulRequests) / float64(s.TotalRequests)
	penalty := float64(s.ConsecutiveErrors)
	if penalty > 10 {
		penalty = 10
	}
	score := 70*ratio - 3*penalty
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// IsHealthy reports score >= 30 and consecutiveErrors < 3.
func (t *Tracker) IsHealthy(ref Ref) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(ref)
	return healthScore(s) >= 30 && s.ConsecutiveErrors < 3
}

// RecordPerformance appends a sample to the bounded (cap 100) performance
// history. A zero timestamp is filled with now.
func (t *Tracker) RecordPerformance(ref Ref, ttft, duration time.Duration, timestamp time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timestamp.IsZero() {
		timestamp = t.now()
	}
	s := t.stateFor(ref)
	s.Perf.add(perfSample{TTFT: ttft, Duration: duration, Timestamp: timestamp})
	t.persist()
}

// GetAveragePerformance averages the most recent 20 samples, or returns
// false if there is no performance history.
func (t *Tracker) GetAveragePerformance(ref Ref) (AveragePerformance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stateFor(ref)
	recent := s.Perf.recent(20)
	if len(recent) == 0 {
		return AveragePerformance{}, false
	}
	var ttftSum, durSum time.Duration
	for _, r := range recent {
		ttftSum += r.TTFT
		durSum += r.Duration
	}
	n := time.Duration(len(recent))
	return AveragePerformance{AvgTTFT: ttftSum / n, AvgDuration: durSum / n, SampleSize: len(recent)}, true
}

// SortBySpeed orders healthy models before unhealthy ones, then by
// ascending average TTFT; models without performance data keep their
// relative input order and sort after models that have data.
func (t *Tracker) SortBySpeed(models []Ref) []Ref {
	t.mu.Lock()
	defer t.mu.Unlock()

	type withPerf struct {
		ref     Ref
		avg     time.Duration
		hasAv   bool
		healthy bool
		idx     int
	}
	items := make([]withPerf, len(models))
	for i, m := range models {
		s := t.stateFor(m)
		recent := s.Perf.recent(20)
		item := withPerf{ref: m, idx: i, healthy: healthScore(s) >= 30 && s.ConsecutiveErrors < 3}
		if len(recent) > 0 {
			var sum time.Duration
			for _, r := range recent {
				sum += r.TTFT
			}
			item.avg = sum / time.Duration(len(recent))
			item.hasAv = true
		}
		items[i] = item
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].healthy != items[j].healthy {
			return items[i].healthy
		}
		if items[i].hasAv != items[j].hasAv {
			return items[i].hasAv
		}
		if items[i].hasAv {
			return items[i].avg < items[j].avg
		}
		return items[i].idx < items[j].idx
	})

	out := make([]Ref, len(items))
	for i, it := range items {
		out[i] = it.ref
	}
	return out
}

// FilterByHealth drops models with score < 30 or consecutiveErrors >= 3.
// Models with no history are treated as healthy.
func (t *Tracker) FilterByHealth(models []Ref) []Ref {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Ref, 0, len(models))
	for _, m := range models {
		s := t.stateFor(m)
		if healthScore(s) < 30 || s.ConsecutiveErrors >= 3 {
			continue
		}
		out = append(out, m)
	}
	return out
}

// --- serialization ---

type persistedModel struct {
	Limits              Limits            `json:"limits"`
	History             []entry           `json:"history"`
	RequestsToday       int64             `json:"requests_today"`
	LastReset           time.Time         `json:"last_reset"`
	LastDayReset        time.Time         `json:"last_day_reset"`
	UnavailableUntil    *time.Time        `json:"unavailable_until,omitempty"`
	RetryAfter          int               `json:"retry_after,omitempty"`
	TotalRequests       int64             `json:"total_requests"`
	SuccessfulRequests  int64             `json:"successful_requests"`
	ConsecutiveErrors   int               `json:"consecutive_errors"`
	Perf                []perfSample      `json:"perf,omitempty"`
	LastResponseHeaders map[string]string `json:"last_response_headers,omitempty"`
	LimitsResetAt       *time.Time        `json:"limits_reset_at,omitempty"`
}

type persistedState struct {
	Providers map[string]map[string]persistedModel `json:"providers"`
}

// ToJSON serializes the tracker's full state. nil (unlimited) limit fields
// are omitted from the JSON and load back as nil.
func (t *Tracker) ToJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotJSON()
}

func (t *Tracker) snapshotJSON() ([]byte, error) {
	out := persistedState{Providers: make(map[string]map[string]persistedModel)}
	for key, s := range t.states {
		parts := strings.SplitN(key, "\x00", 2)
		providerType, model := parts[0], parts[1]
		if out.Providers[providerType] == nil {
			out.Providers[providerType] = make(map[string]persistedModel)
		}
		out.Providers[providerType][model] = persistedModel{
			Limits:              s.Limits,
			History:             s.History,
			RequestsToday:       s.RequestsToday,
			LastReset:           s.LastReset,
			LastDayReset:        s.LastDayReset,
			UnavailableUntil:    s.UnavailableUntil,
			RetryAfter:          s.RetryAfter,
			TotalRequests:       s.TotalRequests,
			SuccessfulRequests:  s.SuccessfulRequests,
			ConsecutiveErrors:   s.ConsecutiveErrors,
			Perf:                s.Perf.samples,
			LastResponseHeaders: s.LastResponseHeaders,
			LimitsResetAt:       s.LimitsResetAt,
		}
	}
	return json.Marshal(out)
}

// FromJSON replaces the tracker's state with the serialized snapshot.
// Invalid or empty input is a no-op.
func (t *Tracker) FromJSON(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loadJSON(data)
}

func (t *Tracker) loadJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var in persistedState
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	states := make(map[string]*modelState)
	for providerType, models := range in.Providers {
		for model, pm := range models {
			ref := Ref{ProviderType: providerType, Model: model}
			states[ref.key()] = &modelState{
				Limits:              pm.Limits,
				History:             pm.History,
				RequestsToday:       pm.RequestsToday,
				LastReset:           pm.LastReset,
				LastDayReset:        pm.LastDayReset,
				UnavailableUntil:    pm.UnavailableUntil,
				RetryAfter:          pm.RetryAfter,
				TotalRequests:       pm.TotalRequests,
				SuccessfulRequests:  pm.SuccessfulRequests,
				ConsecutiveErrors:   pm.ConsecutiveErrors,
				Perf:                perfRing{samples: pm.Perf},
				LastResponseHeaders: pm.LastResponseHeaders,
				LimitsResetAt:       pm.LimitsResetAt,
			}
		}
	}
	t.states = states
	return nil
}

func (t *Tracker) persist() {
	if t.cfg.Persistence == nil {
		return
	}
	data, err := t.snapshotJSON()
	if err != nil {
		t.cfg.Logger.Warn("ratelimit: failed to snapshot state", zap.Error(err))
		return
	}
	if err := t.cfg.Persistence.Save(data); err != nil {
		t.cfg.Logger.Warn("ratelimit: failed to persist state", zap.Error(err))
	}
}
