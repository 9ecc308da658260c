package memory

import "context"

// opposition pairs terms that cannot both hold for the same traveller.
type opposition struct {
	name string
	a    []string
	b    []string
}

var oppositions = []opposition{
	{
		name: "diet",
		a:    []string{"vegetarian", "vegan", "plant-based", "meatless"},
		b:    []string{"steak", "steaks", "meat", "beef", "pork", "bacon", "chicken", "lamb", "ham", "sausage", "sausages", "burger", "burgers", "bbq", "barbecue", "carnivore"},
	},
	{
		name: "budget",
		a:    []string{"budget", "cheap", "inexpensive", "affordable", "frugal", "hostel", "hostels", "backpacking"},
		b:    []string{"luxury", "luxurious", "upscale", "splurge", "five-star", "premium", "expensive", "boutique"},
	},
	{
		name: "pace",
		a:    []string{"relaxed", "slow", "leisurely", "laid-back"},
		b:    []string{"packed", "busy", "hectic", "fast-paced", "jam-packed"},
	},
	{
		name: "atmosphere",
		a:    []string{"quiet", "secluded", "peaceful", "remote"},
		b:    []string{"crowded", "nightlife", "lively", "bustling", "party"},
	},
	{
		name: "seat",
		a:    []string{"window"},
		b:    []string{"aisle"},
	},
}

var negators = map[string]bool{
	"not": true, "no": true, "never": true, "dont": true, "doesnt": true, "didnt": true,
	"isnt": true, "arent": true, "cant": true, "cannot": true, "wont": true, "without": true,
	"hate": true, "hates": true, "dislike": true, "dislikes": true, "avoid": true, "avoids": true,
	"stopped": true,
}

// LexicalClassifier is the deterministic classifier: explicit opposition
// lexicon first, then negation polarity against the similarity thresholds.
type LexicalClassifier struct {
	reinforceAt  float64
	contradictAt float64
}

func NewLexicalClassifier(p Policy) *LexicalClassifier {
	p = NewPolicy(p)
	return &LexicalClassifier{reinforceAt: p.ReinforceThreshold, contradictAt: p.ContradictThreshold}
}

func (c *LexicalClassifier) Classify(ctx context.Context, existing, candidate string, similarity float64) (Relation, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ex := statementOf(existing)
	cand := statementOf(candidate)

	for _, op := range oppositions {
		if s1, s2 := ex.stance(op), cand.stance(op); s1*s2 < 0 {
			return Contradicts, nil
		}
	}

	samePolarity := ex.negated == cand.negated
	if ex.sameContent(cand) {
		if samePolarity {
			return Reinforces, nil
		}
		return Contradicts, nil
	}
	if similarity >= c.contradictAt && !samePolarity && ex.overlaps(cand) {
		return Contradicts, nil
	}
	if similarity >= c.reinforceAt && samePolarity {
		return Reinforces, nil
	}
	return Unrelated, nil
}

type statement struct {
	tokens  map[string]bool
	content map[string]bool
	negated bool
}

func statementOf(text string) statement {
	st := statement{tokens: map[string]bool{}, content: map[string]bool{}}
	neg := 0
	for _, tok := range tokenize(apostrophes.Replace(text)) {
		st.tokens[tok] = true
		if negators[tok] {
			neg++
			continue
		}
		if !stopwords[tok] && !polarityNeutral[tok] {
			st.content[tok] = true
		}
	}
	st.negated = neg%2 == 1
	return st
}

// polarityNeutral verbs carry sentiment but not subject matter, so "I love
// museums" and "I hate museums" share content.
var polarityNeutral = map[string]bool{
	"like": true, "likes": true, "love": true, "loves": true, "enjoy": true, "enjoys": true,
	"prefer": true, "prefers": true, "want": true, "wants": true, "eat": true, "eats": true,
	"do": true, "does": true, "always": true, "usually": true, "stay": true, "stays": true,
}

// stance is +1 when the statement sides with op.a, -1 with op.b, 0 when silent.
func (s statement) stance(op opposition) int {
	v := 0
	for _, t := range op.a {
		if s.tokens[t] {
			v = 1
			break
		}
	}
	for _, t := range op.b {
		if s.tokens[t] {
			if v == 1 {
				// Both sides named ("vegetarian, no meat"): not a stance on this axis.
				return 0
			}
			v = -1
			break
		}
	}
	if s.negated {
		v = -v
	}
	return v
}

func (s statement) sameContent(o statement) bool {
	if len(s.content) == 0 || len(s.content) != len(o.content) {
		return false
	}
	for t := range s.content {
		if !o.content[t] {
			return false
		}
	}
	return true
}

func (s statement) overlaps(o statement) bool {
	for t := range s.content {
		if o.content[t] {
			return true
		}
	}
	return false
}
