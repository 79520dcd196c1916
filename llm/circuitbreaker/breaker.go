// Package circuitbreaker tracks per-provider availability as a small state
// machine: CLOSED (normal), OPEN (tripped, rejecting calls), HALF_OPEN
// (probing for recovery).
package circuitbreaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// Timeout OPEN 状态持续时间，到期后下一次 CheckCircuit 探测 HALF_OPEN
	Timeout time.Duration

	// Clock 供测试替换的时钟源，默认 time.Now
	Clock func() time.Time

	// OnStateChange 状态变更回调（可选）
	OnStateChange func(providerID string, from, to State)

	Logger *zap.Logger
}

// DefaultConfig 返回默认配置：阈值 5，超时 60s
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		Timeout:          60 * time.Second,
	}
}

// CircuitState 是对外暴露的某个 providerId 的状态快照
type CircuitState struct {
	Status      State
	Failures    int
	LastFailure time.Time // 零值表示尚未发生过失败
}

// CheckResult 是 CheckCircuit 的返回值
type CheckResult struct {
	Allowed bool
	Reason  string
}

type entry struct {
	status      State
	failures    int
	lastFailure time.Time
}

// Breaker 按 providerId 独立维护熔断状态，进程级共享，并发安全。
type Breaker struct {
	mu     sync.Mutex
	cfg    Config
	clock  func() time.Time
	logger *zap.Logger
	states map[string]*entry
}

// New 创建一个熔断器。nil config 使用 DefaultConfig。
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		cfg:    c,
		clock:  c.Clock,
		logger: logger,
		states: make(map[string]*entry),
	}
}

func (b *Breaker) entryFor(providerID string) *entry {
	e, ok := b.states[providerID]
	if !ok {
		e = &entry{status: StateClosed}
		b.states[providerID] = e
	}
	return e
}

// CheckCircuit 判断是否允许向 providerID 发起调用，并在 OPEN 超时后
// 惰性地转入 HALF_OPEN（探测恢复）。
func (b *Breaker) CheckCircuit(providerID string) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(providerID)

	switch e.status {
	case StateClosed, StateHalfOpen:
		return CheckResult{Allowed: true}
	case StateOpen:
		elapsed := b.sinceLastFailure(e)
		if elapsed < b.cfg.Timeout {
			return CheckResult{Allowed: false, Reason: "circuit-open"}
		}
		b.transition(providerID, e, StateHalfOpen)
		return CheckResult{Allowed: true}
	default:
		return CheckResult{Allowed: false, Reason: "circuit-open"}
	}
}

// sinceLastFailure 使用 max(0, now-lastFailure)，防止系统时钟回拨导致
// OPEN 状态被意外判定为已超时。
func (b *Breaker) sinceLastFailure(e *entry) time.Duration {
	d := b.clock().Sub(e.lastFailure)
	if d < 0 {
		return 0
	}
	return d
}

// RecordFailure 记录一次失败调用。
func (b *Breaker) RecordFailure(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(providerID)
	e.failures++
	e.lastFailure = b.clock()

	switch e.status {
	case StateClosed:
		if e.failures >= b.cfg.FailureThreshold {
			b.transition(providerID, e, StateOpen)
		}
	case StateHalfOpen:
		b.transition(providerID, e, StateOpen)
	case StateOpen:
		// 已经处于熔断状态，仅更新计数与时间戳
	}
}

// RecordSuccess 记录一次成功调用；CLOSED 与 HALF_OPEN 均归零失败计数，
// HALF_OPEN 额外转回 CLOSED。
func (b *Breaker) RecordSuccess(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(providerID)
	switch e.status {
	case StateClosed:
		e.failures = 0
	case StateHalfOpen:
		e.failures = 0
		b.transition(providerID, e, StateClosed)
	case StateOpen:
		// 调用方本不应在 OPEN 时发起调用；忽略
		b.logger.Warn("recordSuccess received while circuit open", zap.String("provider_id", providerID))
	}
}

// GetState 返回 providerID 当前状态的快照，首次读取时惰性创建 CLOSED 记录。
func (b *Breaker) GetState(providerID string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(providerID)
	return CircuitState{Status: e.status, Failures: e.failures, LastFailure: e.lastFailure}
}

// Reset 将单个 providerID 恢复为 CLOSED。
func (b *Breaker) Reset(providerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.entryFor(providerID)
	b.transition(providerID, e, StateClosed)
	e.failures = 0
	e.lastFailure = time.Time{}
}

// ResetAll 将所有已知 providerID 恢复为 CLOSED。
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, e := range b.states {
		b.transition(id, e, StateClosed)
		e.failures = 0
		e.lastFailure = time.Time{}
	}
}

func (b *Breaker) transition(providerID string, e *entry, to State) {
	from := e.status
	if from == to {
		return
	}
	e.status = to
	if to == StateOpen {
		b.logger.Warn("circuit breaker opened",
			zap.String("provider_id", providerID),
			zap.Int("failures", e.failures),
		)
	} else {
		b.logger.Info("circuit breaker state changed",
			zap.String("provider_id", providerID),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(providerID, from, to)
	}
}
