package llm

import (
	"context"

	"github.com/kestrelai/llmgateway/llm/circuitbreaker"
	"github.com/kestrelai/llmgateway/llm/retry"
	"go.uber.org/zap"
)

// ResilientProvider 在底层 Provider 上叠加重试与熔断能力。
// 遵循装饰器模式：增强原有 Provider 而不修改其代码。
type ResilientProvider struct {
	provider Provider
	retry    *retry.Policy
	breaker  *circuitbreaker.Breaker
	logger   *zap.Logger
}

// ResilientProviderConfig 弹性 Provider 配置
type ResilientProviderConfig struct {
	EnableRetry bool
	RetryPolicy *retry.Policy

	EnableCircuitBreaker bool
	CircuitBreakerConfig *circuitbreaker.Config
}

// DefaultResilientProviderConfig 返回默认配置
func DefaultResilientProviderConfig() *ResilientProviderConfig {
	return &ResilientProviderConfig{
		EnableRetry:          true,
		RetryPolicy:          retry.DefaultPolicy(),
		EnableCircuitBreaker: true,
		CircuitBreakerConfig: circuitbreaker.DefaultConfig(),
	}
}

// NewResilientProvider 用重试和熔断能力包装一个 Provider。nil config 使用默认配置。
func NewResilientProvider(provider Provider, config *ResilientProviderConfig, logger *zap.Logger) *ResilientProvider {
	if config == nil {
		config = DefaultResilientProviderConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rp := &ResilientProvider{provider: provider, logger: logger}
	if config.EnableRetry {
		rp.retry = config.RetryPolicy
		if rp.retry == nil {
			rp.retry = retry.DefaultPolicy()
		}
	}
	if config.EnableCircuitBreaker {
		rp.breaker = circuitbreaker.New(config.CircuitBreakerConfig)
	}
	return rp
}

// Completion 实现 Provider.Completion：熔断检查 -> 重试循环 -> 熔断记录。
func (rp *ResilientProvider) Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if rp.breaker != nil {
		if res := rp.breaker.CheckCircuit(rp.provider.Name()); !res.Allowed {
			return nil, circuitOpenError(rp.provider.Name())
		}
	}

	call := func(ctx context.Context) (*ChatResponse, error) {
		resp, err := rp.provider.Completion(ctx, req)
		if rp.breaker != nil {
			if err != nil {
				rp.breaker.RecordFailure(rp.provider.Name())
			} else {
				rp.breaker.RecordSuccess(rp.provider.Name())
			}
		}
		return resp, err
	}

	if rp.retry == nil {
		return call(ctx)
	}
	return retry.ExecuteWithRetry(ctx, rp.retry, call)
}

// Stream 实现 Provider.Stream。流式调用不重试（无法回放已消费的分片），
// 仅做熔断门控。
func (rp *ResilientProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if rp.breaker != nil {
		if res := rp.breaker.CheckCircuit(rp.provider.Name()); !res.Allowed {
			return nil, circuitOpenError(rp.provider.Name())
		}
	}
	ch, err := rp.provider.Stream(ctx, req)
	if rp.breaker != nil {
		if err != nil {
			rp.breaker.RecordFailure(rp.provider.Name())
		} else {
			rp.breaker.RecordSuccess(rp.provider.Name())
		}
	}
	return ch, err
}

func (rp *ResilientProvider) HealthCheck(ctx context.Context) (*HealthStatus, error) {
	return rp.provider.HealthCheck(ctx)
}

func (rp *ResilientProvider) Name() string { return rp.provider.Name() }

func (rp *ResilientProvider) SupportsNativeFunctionCalling() bool {
	return rp.provider.SupportsNativeFunctionCalling()
}

func (rp *ResilientProvider) ListModels(ctx context.Context) ([]Model, error) {
	return rp.provider.ListModels(ctx)
}

func circuitOpenError(providerName string) *Error {
	return &Error{
		Code:      ErrProviderUnavailable,
		Message:   "circuit open for provider " + providerName,
		Retryable: false,
		Provider:  providerName,
	}
}

// WrapProviderWithResilience 便捷函数：使用默认配置为 Provider 添加弹性能力。
func WrapProviderWithResilience(provider Provider, logger *zap.Logger) Provider {
	return NewResilientProvider(provider, DefaultResilientProviderConfig(), logger)
}
