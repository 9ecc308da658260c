package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractCandidates(t *testing.T) {
	got := ExtractCandidates("I'm vegetarian. I usually stay in boutique hotels. What's the weather like in Rome?", RecallContext{})
	require.Len(t, got, 2)

	assert.Equal(t, "I'm vegetarian", got[0].Text)
	assert.Equal(t, Declarative, got[0].Type)
	assert.Equal(t, "dietary", got[0].Facets["category"])
	assert.Nil(t, got[0].Context)

	assert.Equal(t, "I usually stay in boutique hotels", got[1].Text)
	assert.Equal(t, Procedural, got[1].Type)
	assert.Equal(t, "lodging", got[1].Facets["category"])
}

func TestExtractCandidates_TripBound(t *testing.T) {
	got := ExtractCandidates("On our trip to Lisbon in summer we stayed in a cheap hostel.", RecallContext{})
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, Episodic, c.Type)
	require.NotNil(t, c.Context)
	assert.Equal(t, "Lisbon", c.Context.Destination)
	assert.Equal(t, "summer", c.Context.Season)
	assert.Equal(t, "budget", c.Facets["category"])
	assert.Contains(t, c.Justification, "Lisbon")
}

func TestExtractCandidates_CurrentTripUsesSessionContext(t *testing.T) {
	rc := RecallContext{Destination: "Tokyo", Season: "spring", TripType: "family"}
	got := ExtractCandidates("This trip I want a relaxed pace", rc)
	require.Len(t, got, 1)
	assert.Equal(t, Episodic, got[0].Type)
	assert.Equal(t, "pace", got[0].Facets["category"])
	assert.Equal(t, &ContextTags{Destination: "Tokyo", Season: "spring", TripType: "family"}, got[0].Context)

	assert.Empty(t, ExtractCandidates("This trip I want a relaxed pace", RecallContext{}))
}

func TestExtractCandidates_Skips(t *testing.T) {
	for _, msg := range []string{
		"",
		"Can I get vegetarian food there?",
		"I think I might be vegan",
		"Vegetarian food is great",
		"I booked the flight",
		"I stay in hotels",
	} {
		assert.Empty(t, ExtractCandidates(msg, RecallContext{}), msg)
	}
}

func TestExtractCandidates_Dedupes(t *testing.T) {
	got := ExtractCandidates("I'm vegan. I'm vegan!", RecallContext{})
	assert.Len(t, got, 1)
}

func TestExtractFromMessage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	outcomes, err := svc.ExtractFromMessage(ctx, alice, "I am vegetarian. I always book budget hotels.", RecallContext{})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, 2, countRecords(t, svc, alice))

	outcomes, err = svc.ExtractFromMessage(ctx, alice, "Honestly I love steak.", RecallContext{})
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NotNil(t, outcomes[0].Conflict)
	assert.Equal(t, 2, countRecords(t, svc, alice))

	_, err = svc.ExtractFromMessage(ctx, Identity{}, "I am vegan", RecallContext{})
	assert.ErrorIs(t, err, ErrValidation)
}
