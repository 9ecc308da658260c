package providers

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/tripmind/pkg/memory"
)

const relationSystemPrompt = `You compare two statements a traveller made about themselves.
Answer with exactly one word:
reinforces - the new statement says the same thing as the existing one
contradicts - both cannot be true of the traveller at the same time
unrelated - they are about different things
Do not explain.`

func relationUserPrompt(existing, candidate string, similarity float64) string {
	return fmt.Sprintf("Existing: %s\nNew: %s\nSimilarity: %.2f", strings.TrimSpace(existing), strings.TrimSpace(candidate), similarity)
}

// parseRelation reads the classifier's one-word answer. Anything it cannot
// place is an error so the caller holds the candidate back instead of guessing.
func parseRelation(answer string) (memory.Relation, error) {
	word := strings.ToLower(strings.TrimSpace(answer))
	word = strings.Trim(word, ".!\"'`* \n")
	if i := strings.IndexAny(word, " \n"); i >= 0 {
		word = word[:i]
	}
	switch word {
	case "reinforces", "reinforce", "same":
		return memory.Reinforces, nil
	case "contradicts", "contradict", "contradiction":
		return memory.Contradicts, nil
	case "unrelated", "none":
		return memory.Unrelated, nil
	}
	return "", fmt.Errorf("unrecognized relation %q", strings.TrimSpace(answer))
}
