package memory

import (
	"fmt"
	"strings"
)

// FormatConflictPrompt renders the clarification question shown to the user
// for held candidates. Only pending conflicts are included.
func FormatConflictPrompt(conflicts []Conflict) string {
	pending := make([]Conflict, 0, len(conflicts))
	for _, c := range conflicts {
		if c.Status == ConflictPending {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("I noticed something about your preferences that I'd like to clarify:\n\n")
	for i, c := range pending {
		fmt.Fprintf(&b, "%d. You previously mentioned: %q\n", i+1, c.ExistingText)
		fmt.Fprintf(&b, "   But now you said: %q\n", c.Candidate.Text)
		if c.Candidate.Type == Episodic && c.Candidate.Context != nil {
			fmt.Fprintf(&b, "   (this came up while planning %s)\n", c.Candidate.Context.Destination)
		}
		b.WriteString("\n")
	}
	b.WriteString("Have your preferences changed, or is this specific to a particular trip? Let me know so I can update your profile correctly!")
	return b.String()
}

// FormatRecall renders recalled records as a prompt block, stopping once the
// estimated token budget is spent. At least one record is always included.
func FormatRecall(records []Record, budgetTokens int) string {
	if len(records) == 0 {
		return ""
	}
	if budgetTokens <= 0 {
		budgetTokens = 512
	}
	var b strings.Builder
	b.WriteString("## Recalled Memory\n")
	used := 0
	for _, r := range records {
		line := fmt.Sprintf("- [%s] %s", r.Type, strings.TrimSpace(r.Text))
		if r.Type == Episodic && r.Context != nil {
			line += " (trip: " + r.Context.Destination + ")"
		}
		tokens := estimateTokens(line)
		if used+tokens > budgetTokens && used > 0 {
			break
		}
		b.WriteString(line)
		b.WriteString("\n")
		used += tokens
	}
	return strings.TrimSpace(b.String())
}

func estimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 8 {
		return 8
	}
	return tokens
}
