package providers

import "strings"

// refusalMarkers are structural cues that an answer dodged the question.
var refusalMarkers = []string{
	"i can't help", "i cannot help", "i'm unable to", "i am unable to",
	"as an ai", "i don't have access", "i cannot provide",
	"i'm sorry, but", "i am sorry, but",
}

// EstimateConfidence produces a confidence score for backends that do not
// self-report one. It starts from the tier-specific prior and adjusts on
// structural cues: refusal markers and truncation push the score down, a
// substantive answer length pushes it up. The result is clamped to [0,1].
func EstimateConfidence(text string, finish FinishReason, prior float64) float64 {
	c := prior
	if c <= 0 {
		c = 0.5
	}

	lower := strings.ToLower(text)
	for _, m := range refusalMarkers {
		if strings.Contains(lower, m) {
			c -= 0.25
			break
		}
	}

	switch finish {
	case FinishLength:
		c -= 0.15 // truncated mid-thought
	case FinishFiltered, FinishError, FinishCancelled:
		c -= 0.4
	}

	// A healthy answer length is weak positive evidence; one-liners for
	// non-trivial prompts are not.
	n := len(text)
	switch {
	case n < 16:
		c -= 0.1
	case n > 200:
		c += 0.1
	}

	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
