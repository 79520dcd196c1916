// Package categorizer buckets models into capability tiers and estimates
// the token footprint of a request against a model's context window.
package categorizer

import (
	"strings"

	llmtokenizer "github.com/kestrelai/llmgateway/llm/tokenizer"
	"github.com/kestrelai/llmgateway/types"
)

// Category is a coarse model capability tier.
type Category string

const (
	Small     Category = "SMALL"
	Large     Category = "LARGE"
	Reasoning Category = "REASONING"
)

// reasoningMarkers and largeMarkers are checked as case-insensitive
// substrings of the model name, in priority order (reasoning beats large).
var reasoningMarkers = []string{"o1", "deepseek-reasoner", "qwq"}

var largeMarkers = []string{"70b", "405b", "8x22b", "gpt-4-turbo", "opus", "pro", "72b"}

// Categorize classifies a model name into SMALL/LARGE/REASONING by
// substring heuristics. A bare "gpt-4" match counts as LARGE unless the name
// also contains "mini" or "turbo-preview"; "gpt-4-turbo-preview" is still
// LARGE because the "gpt-4-turbo" marker matches first.
func Categorize(modelName string) Category {
	name := strings.ToLower(modelName)

	for _, marker := range reasoningMarkers {
		if strings.Contains(name, marker) {
			return Reasoning
		}
	}

	for _, marker := range largeMarkers {
		if strings.Contains(name, marker) {
			return Large
		}
	}

	if strings.Contains(name, "gpt-4") && !strings.Contains(name, "mini") && !strings.Contains(name, "turbo-preview") {
		return Large
	}

	return Small
}

// charsPerTokenByFamily gives the fallback character-per-token ratio used
// when no precise tokenizer is registered for a model family.
var charsPerTokenByFamily = map[string]float64{
	"gpt-4":   4.0,
	"gpt-3.5": 4.0,
	"llama":   3.5,
	"mixtral": 3.8,
	"gemma":   3.8,
	"qwen":    2.8,
	"claude":  3.8,
	"gemini":  4.0,
}

const defaultCharsPerToken = 4.0

// outputRatioByRequestType scales MaxTokens down to an expected output
// length per the analyzer's classification.
var outputRatioByRequestType = map[string]float64{
	"simple":    0.3,
	"complex":   0.6,
	"reasoning": 0.8,
}

const defaultOutputRatio = 0.5

// messageOverheadByFamily is the per-message token overhead (role markers,
// separators) added on top of content length.
var messageOverheadByFamily = map[string]int{
	"gpt-4":   4,
	"gpt-3.5": 4,
	"claude":  3,
	"gemini":  4,
}

const defaultMessageOverhead = 4

// toolBlockOverhead is a flat per-tool token cost added when tools are
// present in the request.
const toolBlockOverhead = 10

func familyOf(model string) string {
	name := strings.ToLower(model)
	for family := range charsPerTokenByFamily {
		if strings.Contains(name, family) {
			return family
		}
	}
	return ""
}

// EstimateInputTokens estimates the prompt token count for messages and
// tools against model. For OpenAI-family models it prefers the precise
// tiktoken-backed tokenizer (llm/tokenizer) and falls back to the
// character-ratio estimate for every other family.
func EstimateInputTokens(model string, messages []types.Message, tools []types.ToolSchema) int {
	if tok, err := llmtokenizer.GetTokenizer(model); err == nil {
		converted := make([]llmtokenizer.Message, len(messages))
		for i, m := range messages {
			converted[i] = llmtokenizer.Message{Role: string(m.Role), Content: m.Content}
		}
		if count, err := tok.CountMessages(converted); err == nil {
			return count + toolTokens(model, tools)
		}
	}

	family := familyOf(model)
	ratio := charsPerTokenByFamily[family]
	if ratio == 0 {
		ratio = defaultCharsPerToken
	}
	overhead := messageOverheadByFamily[family]
	if overhead == 0 {
		overhead = defaultMessageOverhead
	}

	total := 0
	for _, m := range messages {
		total += overhead + charTokens(m.Content, ratio)
	}
	total += 3 // conversation-end overhead, mirrors the tiktoken path
	total += toolTokens(model, tools)
	return total
}

func toolTokens(model string, tools []types.ToolSchema) int {
	if len(tools) == 0 {
		return 0
	}
	ratio := charsPerTokenByFamily[familyOf(model)]
	if ratio == 0 {
		ratio = defaultCharsPerToken
	}
	total := 0
	for _, t := range tools {
		total += charTokens(t.Name, ratio) + charTokens(t.Description, ratio) + toolBlockOverhead
	}
	return total
}

func charTokens(s string, ratio float64) int {
	if s == "" {
		return 0
	}
	n := int(float64(len([]rune(s))) / ratio)
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateOutputTokens scales maxTokens by the expected-output ratio for
// requestType ("simple"/"complex"/"reasoning"/anything else).
func EstimateOutputTokens(maxTokens int, requestType string) int {
	ratio, ok := outputRatioByRequestType[requestType]
	if !ok {
		ratio = defaultOutputRatio
	}
	return int(float64(maxTokens) * ratio)
}

// FitsInContextWindow reports whether input+output tokens fit within window.
func FitsInContextWindow(inputTokens, outputTokens, window int) bool {
	return inputTokens+outputTokens <= window
}

// SupportsContextWindow applies the spec's 20% safety margin: a model must
// have at least required*1.2 tokens of context to be considered a fit.
func SupportsContextWindow(modelContextWindow, required int) bool {
	return float64(modelContextWindow) >= float64(required)*1.2
}
