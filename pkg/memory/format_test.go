package memory

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatConflictPrompt_EpisodicContext(t *testing.T) {
	msg := FormatConflictPrompt([]Conflict{
		{
			Status:       ConflictPending,
			ExistingText: "I prefer relaxed itineraries",
			Candidate: Record{
				Type:    Episodic,
				Text:    "This trip I want a packed schedule",
				Context: &ContextTags{Destination: "Tokyo"},
			},
		},
		{
			Status:       ConflictPending,
			ExistingText: "I am vegetarian",
			Candidate:    Record{Type: Declarative, Text: "I love steak"},
		},
	})
	assert.True(t, strings.HasPrefix(msg, "I noticed something about your preferences"))
	assert.Contains(t, msg, "1. You previously mentioned: \"I prefer relaxed itineraries\"")
	assert.Contains(t, msg, "(this came up while planning Tokyo)")
	assert.Contains(t, msg, "2. You previously mentioned: \"I am vegetarian\"")
	assert.Equal(t, 1, strings.Count(msg, "this came up while planning"))

	assert.Empty(t, FormatConflictPrompt(nil))
}

func TestFormatRecall(t *testing.T) {
	records := []Record{
		{Type: Declarative, Text: "I am vegetarian"},
		{Type: Episodic, Text: "We loved the tea houses", Context: &ContextTags{Destination: "Kyoto"}},
		{Type: Procedural, Text: strings.Repeat("I like long detailed itineraries ", 40)},
	}

	out := FormatRecall(records, 0)
	assert.True(t, strings.HasPrefix(out, "## Recalled Memory"))
	assert.Contains(t, out, "- [declarative] I am vegetarian")
	assert.Contains(t, out, "- [episodic] We loved the tea houses (trip: Kyoto)")
	assert.NotContains(t, out, "[procedural]")

	tight := FormatRecall(records, 1)
	assert.Contains(t, tight, "I am vegetarian")
	assert.NotContains(t, tight, "tea houses")

	assert.Empty(t, FormatRecall(nil, 100))
}

func TestEstimateTokens(t *testing.T) {
	assert.Zero(t, estimateTokens(""))
	assert.Equal(t, 8, estimateTokens("hi"))
	assert.Equal(t, 40, estimateTokens(strings.Repeat("a", 100)))
}
