// Copyright 2024 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a MIT license that can be
// found in the LICENSE file.

/*
Package llm provides unified LLM provider abstraction and routing.

# Overview

The llm package provides a unified interface for interacting with multiple
Large Language Model providers. It abstracts away provider-specific details
and provides features like model selection, retry logic, circuit breaking and
request middleware.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                    Application Layer                        │
	├─────────────────────────────────────────────────────────────┤
	│              Selector / Load Balancer / Rate Limiter         │
	│  (Category + cost based model selection, credential          │
	│   round-robin, per-model sliding-window rate limiting)       │
	├─────────────────────────────────────────────────────────────┤
	│  ┌─────────────┐  ┌─────────────┐  ┌─────────────────────┐ │
	│  │  Circuit    │  │   Retry     │  │     Middleware      │ │
	│  │  Breaker    │  │  (Backoff)  │  │  (Metrics/Tracing)  │ │
	│  └─────────────┘  └─────────────┘  └─────────────────────┘ │
	├─────────────────────────────────────────────────────────────┤
	│                    Provider Interface                       │
	├──────────┬──────────┬──────────┬──────────┬────────────────┤
	│  OpenAI  │ Anthropic│  Gemini  │ DeepSeek │    Others...   │
	└──────────┴──────────┴──────────┴──────────┴────────────────┘

# Provider Interface

The core Provider interface defines the contract for all LLM providers:

	type Provider interface {
	    Completion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	    Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
	    HealthCheck(ctx context.Context) (*HealthStatus, error)
	    Name() string
	    SupportsNativeFunctionCalling() bool
	    ListModels(ctx context.Context) ([]Model, error)
	}

# Supported Providers

The package supports 13+ LLM providers out of the box:

  - OpenAI (GPT-4, GPT-4o, GPT-3.5-turbo)
  - Anthropic (Claude 3 Opus, Sonnet, Haiku)
  - Google (Gemini Pro, Gemini Ultra)
  - DeepSeek (DeepSeek-Chat, DeepSeek-Coder)
  - Alibaba (Qwen-Turbo, Qwen-Plus, Qwen-Max)
  - Tencent (Hunyuan)
  - Moonshot (Kimi)
  - Zhipu (GLM-4)
  - ByteDance (Doubao)
  - MiniMax
  - Mistral
  - Meta (Llama)
  - xAI (Grok)

# Usage

Basic usage with a single provider:

	provider := openai.NewOpenAIProvider(providers.OpenAIConfig{
	    BaseProviderConfig: providers.BaseProviderConfig{
	        APIKey: "your-api-key",
	        Model:  "gpt-4o",
	    },
	}, logger)

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: []llm.Message{
	        {Role: llm.RoleUser, Content: "Hello!"},
	    },
	})

Using the selector and load balancer for a multi-provider catalog:

	result, err := selector.SelectModel(selector.Request{
	    Catalog:  catalog,
	    Messages: req.Messages,
	    Tracker:  tracker,
	})
	if err != nil {
	    log.Fatal(err)
	}

	cred := lb.Distribute(credentialsFor(result.ProviderType), result.Model, result.TotalTokens)
	resp, err := providers[cred.ProviderType].Completion(ctx, &llm.ChatRequest{
	    Model: result.Model,
	})

# Streaming

All providers support streaming responses:

	stream, err := provider.Stream(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	})
	if err != nil {
	    log.Fatal(err)
	}

	for chunk := range stream {
	    if chunk.Err != nil {
	        log.Printf("Error: %v", chunk.Err)
	        break
	    }
	    fmt.Print(chunk.Delta.Content)
	}

# Caching

The llm packages do not cache responses. internal/cache provides a
Redis-backed key/value Manager (Get/Set/GetJSON/SetJSON) for code inside
this module.

# Retry and Resilience

Built-in retry with exponential backoff and per-provider circuit breaking:

	resilientProvider := llm.NewResilientProvider(provider, &llm.ResilientProviderConfig{
	    EnableRetry:          true,
	    RetryPolicy:          retry.DefaultPolicy(),
	    EnableCircuitBreaker: true,
	    CircuitBreakerConfig: circuitbreaker.DefaultConfig(),
	}, logger)

# Observability

The llm packages have no OpenTelemetry provider wrapper. llm/middleware
offers MetricsMiddleware and TracingMiddleware, which report through
caller-supplied MetricsCollector and Tracer implementations.

# Tool Calling

Support for native function calling:

	resp, err := provider.Completion(ctx, &llm.ChatRequest{
	    Model: "gpt-4o",
	    Messages: messages,
	    Tools: []llm.ToolSchema{
	        {
	            Name:        "get_weather",
	            Description: "Get current weather for a location",
	            Parameters:  weatherParamsSchema,
	        },
	    },
	})

# Error Handling

The package defines structured error codes:

	const (
	    ErrInvalidRequest      ErrorCode = "INVALID_REQUEST"
	    ErrAuthentication      ErrorCode = "AUTHENTICATION"
	    ErrRateLimit           ErrorCode = "RATE_LIMIT"
	    ErrContextTooLong      ErrorCode = "CONTEXT_TOO_LONG"
	    ErrServiceUnavailable  ErrorCode = "SERVICE_UNAVAILABLE"
	)

Use IsRetryable to check if an error can be retried:

	if llm.IsRetryable(err) {
	    // Implement retry logic
	}

# API Key Management

Support for API key pools with rotation:

	pool := llm.NewAPIKeyPool(db, providerID, llm.StrategyRoundRobin, logger)
	pool.LoadKeys(ctx)
	key, err := pool.SelectKey(ctx)

See the subpackages for additional functionality:
  - llm/analyzer: Request classification and complexity scoring
  - llm/categorizer: Model capability tiers and token estimation
  - llm/ratelimit: Per-(provider, model) sliding-window rate tracking and health scoring
  - llm/selector: Category, context-window and cost-aware model selection
  - llm/loadbalancer: Round-robin distribution across provider credentials
  - llm/circuitbreaker: Per-provider circuit breaking
  - llm/middleware: Request/response middleware
  - llm/retry: Retry strategies and backoff
  - llm/providers/*: Provider-specific implementations
*/
package llm
