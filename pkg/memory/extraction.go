package memory

import (
	"context"
	"regexp"
	"strings"
)

var (
	sentenceSplitRegex = regexp.MustCompile(`[.!?\n;]+`)
	firstPersonRegex   = regexp.MustCompile(`(?i)\b(?:i|i'm|im|i've|my|me|we|we're|our|us)\b`)
	questionLeadRegex  = regexp.MustCompile(`(?i)^\s*(?:what|why|how|when|where|who|which|can|could|would|should|do|does|did|is|are|if|whether)\b`)
	hedgedLeadRegex    = regexp.MustCompile(`(?i)^\s*i (?:think|guess|wonder|hope|suppose)\b`)
	dietaryRegex       = regexp.MustCompile(`(?i)\b(?:vegetarian|vegan|pescatarian|plant-based|gluten[- ]free|halal|kosher|allerg(?:ic|y|ies)|lactose|dairy[- ]free|nut[- ]free|celiac|(?:eat|eats|love|loves|like|likes|hate|hates|avoid|avoids)\s+(?:steak|meat|beef|pork|seafood|fish|shellfish|chicken|spicy food|bacon))\b`)
	budgetRegex        = regexp.MustCompile(`(?i)\b(?:budget|cheap|affordable|inexpensive|frugal|luxury|luxurious|upscale|splurge|five-star|expensive|premium|hostels?|price range|mid-range)\b`)
	lodgingRegex       = regexp.MustCompile(`(?i)\b(?:hotels?|airbnbs?|resorts?|bed and breakfast|b&bs?|apartments?|villas?|boutique|room with a view|balcony)\b`)
	paceRegex          = regexp.MustCompile(`(?i)\b(?:relaxed|leisurely|slow|packed|busy|hectic|laid-back|fast-paced|early riser|sleep in|itinerar(?:y|ies)|downtime)\b`)
	habitRegex         = regexp.MustCompile(`(?i)\b(?:always|usually|never|prefer|prefers|like|likes|love|loves|tend to|typically|hate|avoid)\b`)
	tripBoundRegex     = regexp.MustCompile(`\b(?:[Oo]n|[Dd]uring|[Ff]or) (?:my|our|the|this) (?:trip|visit|holiday|vacation|stay|honeymoon) (?:to|in) ([A-Z][A-Za-z\-]+(?: [A-Z][A-Za-z\-]+)*)`)
	lastTimeRegex      = regexp.MustCompile(`\b(?:[Ll]ast time|[Ww]hen) (?:I|we) (?:was|were|went|visited) (?:in |to )?([A-Z][A-Za-z\-]+(?: [A-Z][A-Za-z\-]+)*)`)
	seasonalVisitRegex = regexp.MustCompile(`\b[Ii]n ([A-Z][A-Za-z\-]+(?: [A-Z][A-Za-z\-]+)*) (?:this|next|last) (?:spring|summer|autumn|fall|winter|year|month|week)`)
	currentTripRegex   = regexp.MustCompile(`(?i)\b(?:this|the current|our current) (?:trip|visit|holiday|vacation)\b`)
	seasonRegex        = regexp.MustCompile(`(?i)\b(spring|summer|autumn|fall|winter)\b`)
	tripTypeRegex      = regexp.MustCompile(`(?i)\b(business|honeymoon|family|solo|road trip|backpacking|anniversary)\b`)
)

// ExtractCandidates turns one user message into candidate memories. rc is the
// session's planning context and is used for statements about "this trip".
// Identity is left for the caller to fill.
func ExtractCandidates(message string, rc RecallContext) []Candidate {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil
	}
	out := []Candidate{}
	seen := map[string]struct{}{}
	add := func(c Candidate) {
		key := strings.ToLower(c.Text)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}

	for _, raw := range sentenceSplitRegex.Split(message, -1) {
		sentence := strings.Join(strings.Fields(raw), " ")
		if len(sentence) < 6 || !firstPersonRegex.MatchString(sentence) {
			continue
		}
		if questionLeadRegex.MatchString(sentence) || hedgedLeadRegex.MatchString(sentence) {
			continue
		}
		category := classifySentence(sentence)

		if dest := tripDestination(sentence, rc); dest != "" {
			if category == "" {
				category = "trip"
			}
			tags := &ContextTags{Destination: dest, TripType: strings.ToLower(firstSubmatch(tripTypeRegex, sentence)), Season: strings.ToLower(firstSubmatch(seasonRegex, sentence))}
			if tags.Season == "" && strings.EqualFold(dest, rc.Destination) {
				tags.Season = rc.Season
			}
			if tags.TripType == "" && strings.EqualFold(dest, rc.Destination) {
				tags.TripType = rc.TripType
			}
			add(Candidate{
				Text:          sentence,
				Type:          Episodic,
				Facets:        map[string]string{"category": category},
				Context:       tags,
				Justification: "Mentioned while talking about a trip to " + dest,
			})
			continue
		}

		switch category {
		case "dietary":
			add(Candidate{
				Text:          sentence,
				Type:          Declarative,
				Facets:        map[string]string{"category": category},
				Justification: "You mentioned a dietary need",
			})
		case "budget", "lodging", "pace":
			if !habitRegex.MatchString(sentence) {
				continue
			}
			add(Candidate{
				Text:          sentence,
				Type:          Procedural,
				Facets:        map[string]string{"category": category},
				Justification: "You described how you like to travel (" + category + ")",
			})
		}
	}
	return out
}

func classifySentence(s string) string {
	switch {
	case dietaryRegex.MatchString(s):
		return "dietary"
	case budgetRegex.MatchString(s):
		return "budget"
	case lodgingRegex.MatchString(s):
		return "lodging"
	case paceRegex.MatchString(s):
		return "pace"
	default:
		return ""
	}
}

func tripDestination(sentence string, rc RecallContext) string {
	for _, re := range []*regexp.Regexp{tripBoundRegex, lastTimeRegex, seasonalVisitRegex} {
		if dest := firstSubmatch(re, sentence); dest != "" {
			return dest
		}
	}
	if currentTripRegex.MatchString(sentence) && strings.TrimSpace(rc.Destination) != "" {
		return strings.TrimSpace(rc.Destination)
	}
	return ""
}

func firstSubmatch(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// ExtractFromMessage runs every candidate found in message through
// ExtractAndStore. It stops at the first failure and returns the outcomes
// gathered so far with the error.
func (s *Service) ExtractFromMessage(ctx context.Context, ident Identity, message string, rc RecallContext) ([]StoreOutcome, error) {
	if !ident.valid() {
		return nil, &ValidationError{Field: "identity", Reason: "tenant_id and user_id are required"}
	}
	cands := ExtractCandidates(message, rc)
	outcomes := make([]StoreOutcome, 0, len(cands))
	for _, c := range cands {
		c.Identity = ident
		outcome, err := s.ExtractAndStore(ctx, c)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
