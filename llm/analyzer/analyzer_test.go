package analyzer

import (
	"strings"
	"testing"

	"github.com/kestrelai/llmgateway/types"
	"github.com/stretchr/testify/assert"
)

func TestAnalyze_EmptyContentIsSimple(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("")}
	a := Analyze(msgs, nil, 10, Options{})
	assert.Equal(t, TypeSimple, a.Type)
	assert.Equal(t, PriorityNormal, a.Priority)
}

func TestAnalyze_ReasoningTakesPrecedence(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("Can you prove this theorem step-by-step and also search the web for references?")}
	tools := []types.ToolSchema{{Name: "search"}}
	a := Analyze(msgs, tools, 10, Options{})
	assert.Equal(t, TypeReasoning, a.Type)
	assert.True(t, a.RequiresReasoning)
	assert.Equal(t, PriorityHigh, a.Priority)
}

func TestAnalyze_ToolHeavyRequiresTwoHitsAndTools(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("Please search for this and then fetch the page and call the API.")}
	a := Analyze(msgs, nil, 10, Options{})
	assert.NotEqual(t, TypeToolHeavy, a.Type, "no tools supplied so classification must not be tool_heavy")

	tools := []types.ToolSchema{{Name: "search"}}
	a = Analyze(msgs, tools, 10, Options{})
	assert.Equal(t, TypeToolHeavy, a.Type)
	assert.True(t, a.IsToolHeavy)
}

func TestAnalyze_ComplexByLengthAlone(t *testing.T) {
	long := strings.Repeat("a", 201)
	msgs := []types.Message{types.NewUserMessage(long)}
	a := Analyze(msgs, nil, 10, Options{})
	assert.Equal(t, TypeComplex, a.Type)
	assert.Equal(t, PriorityMedium, a.Priority)
}

func TestAnalyze_CreativeClassification(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("Write a poem about the sea")}
	a := Analyze(msgs, nil, 10, Options{})
	assert.Equal(t, TypeCreative, a.Type)
}

func TestAnalyze_RequiresLargeContext(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("hi")}
	a := Analyze(msgs, nil, 9000, Options{})
	assert.True(t, a.RequiresLargeContext)

	a = Analyze(msgs, nil, 100, Options{})
	assert.False(t, a.RequiresLargeContext)
}

func TestAnalyze_ConversationDepthCollapsesRuns(t *testing.T) {
	msgs := []types.Message{
		types.NewSystemMessage("sys"),
		types.NewUserMessage("a"),
		types.NewUserMessage("b"), // same role, doesn't bump depth
		types.NewAssistantMessage("c"),
		types.NewUserMessage("d"),
	}
	a := Analyze(msgs, nil, 10, Options{})
	assert.Equal(t, 3, a.Depth)
}

func TestAnalyze_ComplexityScoreClamped(t *testing.T) {
	msgs := []types.Message{types.NewUserMessage("prove this theorem step by step")}
	for i := 0; i < 30; i++ {
		msgs = append(msgs, types.NewAssistantMessage("ok"), types.NewUserMessage("more"))
	}
	a := Analyze(msgs, nil, 20000, Options{})
	assert.Equal(t, 10, a.EstimatedComplexity)
}

func TestAnalyze_LastUserMessageWins(t *testing.T) {
	msgs := []types.Message{
		types.NewUserMessage("write a poem"),
		types.NewAssistantMessage("here's a poem"),
		types.NewUserMessage("prove the pythagorean theorem"),
	}
	a := Analyze(msgs, nil, 10, Options{})
	assert.Equal(t, TypeReasoning, a.Type)
}
