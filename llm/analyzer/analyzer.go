// Package analyzer classifies an incoming chat request by intent and
// estimates the conversational complexity a selector should route on.
package analyzer

import (
	"regexp"
	"strings"

	"github.com/kestrelai/llmgateway/types"
)

// RequestType is the coarse intent bucket assigned to the last user turn.
type RequestType string

const (
	TypeSimple    RequestType = "simple"
	TypeComplex   RequestType = "complex"
	TypeReasoning RequestType = "reasoning"
	TypeCreative  RequestType = "creative"
	TypeToolHeavy RequestType = "tool_heavy"
)

// Priority is the scheduling priority derived from the request type.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Analysis is the result of classifying a request.
type Analysis struct {
	Type                  RequestType
	Depth                 int
	RequiresLargeContext  bool
	RequiresReasoning     bool
	IsToolHeavy           bool
	HasTools              bool
	Priority              Priority
	EstimatedComplexity   int
}

// largeContextThreshold is the estimated-input-token cutoff above which a
// request is flagged as needing a large-context model.
const largeContextThreshold = 8000

var (
	reasoningPattern = regexp.MustCompile(`(?i)\b(prove|derive|step[- ]by[- ]step|theorem|diagnose|root cause|why does|explain the reasoning|chain of thought|math proof|logical)\b`)
	complexPattern   = regexp.MustCompile(`(?i)\b(architecture|algorithm|optimi[sz]e|refactor|design a system|trade[- ]offs?|compare and contrast|analy[sz]e)\b`)
	creativePattern  = regexp.MustCompile(`(?i)\b(write a (poem|story|song)|brainstorm|imagine|creative|metaphor|screenplay)\b`)
	toolPattern      = regexp.MustCompile(`(?i)\b(search|browse|fetch|call the|invoke|run the tool|execute|lookup|query the)\b`)
)

// Options configures the analyzer. The zero value is usable.
type Options struct {
	// LargeContextTokens overrides the default 8000-token large-context
	// threshold. Zero uses the default.
	LargeContextTokens int
}

func (o Options) normalized() Options {
	if o.LargeContextTokens <= 0 {
		o.LargeContextTokens = largeContextThreshold
	}
	return o
}

// Analyze classifies messages and tools into an Analysis. estimatedInputTokens
// is supplied by the caller's token calculator (analyzer does not itself
// count tokens) so RequiresLargeContext can be derived from it.
func Analyze(messages []types.Message, tools []types.ToolSchema, estimatedInputTokens int, opts Options) Analysis {
	opts = opts.normalized()

	content := lastUserContent(messages)
	reqType := classify(content, tools)

	a := Analysis{
		Type:                 reqType,
		Depth:                conversationDepth(messages),
		RequiresLargeContext: estimatedInputTokens > opts.LargeContextTokens,
		RequiresReasoning:    reqType == TypeReasoning,
		HasTools:             len(tools) > 0,
	}
	a.IsToolHeavy = reqType == TypeToolHeavy && a.HasTools
	a.Priority = priorityFor(reqType)
	a.EstimatedComplexity = complexityScore(reqType, a.Depth, a.RequiresLargeContext)
	return a
}

func lastUserContent(messages []types.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func classify(content string, tools []types.ToolSchema) RequestType {
	if strings.TrimSpace(content) == "" {
		return TypeSimple
	}

	reasoningHits := len(reasoningPattern.FindAllString(content, -1))
	complexHits := len(complexPattern.FindAllString(content, -1))
	creativeHits := len(creativePattern.FindAllString(content, -1))
	toolHits := len(toolPattern.FindAllString(content, -1))

	switch {
	case reasoningHits > 0:
		return TypeReasoning
	case toolHits >= 2 && len(tools) > 0:
		return TypeToolHeavy
	case complexHits > 0 || len(content) > 200:
		return TypeComplex
	case creativeHits > 0:
		return TypeCreative
	default:
		return TypeSimple
	}
}

// conversationDepth counts user/assistant alternations, collapsing
// consecutive same-role runs and ignoring system/tool turns.
func conversationDepth(messages []types.Message) int {
	depth := 0
	lastRole := types.Role("")
	for _, m := range messages {
		if m.Role != types.RoleUser && m.Role != types.RoleAssistant {
			continue
		}
		if m.Role != lastRole {
			depth++
			lastRole = m.Role
		}
	}
	return depth
}

func priorityFor(t RequestType) Priority {
	switch t {
	case TypeReasoning:
		return PriorityHigh
	case TypeComplex, TypeToolHeavy:
		return PriorityMedium
	default:
		return PriorityNormal
	}
}

func complexityScore(t RequestType, depth int, largeContext bool) int {
	var base int
	switch t {
	case TypeSimple:
		base = 1
	case TypeComplex, TypeCreative, TypeToolHeavy:
		base = 4
	case TypeReasoning:
		base = 7
	}

	score := base + depth/2
	if largeContext {
		score++
	}
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}
