package guard

import (
	"regexp"
	"strings"
)

// CitationsState reports the citation-presence check.
type CitationsState string

const (
	CitationsOK            CitationsState = "true"
	CitationsMissing       CitationsState = "false"
	CitationsNotApplicable CitationsState = "n/a"
)

// PostContext carries the request-side facts PostGuard needs.
type PostContext struct {
	GroundingRequired bool
}

// PostVerdict is the result of PostGuard.Check. Deterministic for the same
// (text, context).
type PostVerdict struct {
	Action      Action         `json:"action"`
	Redacted    string         `json:"-"`
	Violations  []Detection    `json:"violations,omitempty"`
	Toxicity    float64        `json:"toxicity"`
	CitationsOK CitationsState `json:"citations_ok"`
}

// toxicTerms is a weighted lexicon. The toxicity score is the clamped sum of
// weights of matched terms.
var toxicTerms = []struct {
	re     *regexp.Regexp
	weight float64
}{
	{regexp.MustCompile(`(?i)\b(kill|hurt|harm)\s+(yourself|himself|herself|themselves)\b`), 1.0},
	{regexp.MustCompile(`(?i)\b(idiot|moron|stupid)\b`), 0.3},
	{regexp.MustCompile(`(?i)\bhate\s+(you|them|those people)\b`), 0.4},
	{regexp.MustCompile(`(?i)\byou\s+deserve\s+to\s+(die|suffer)\b`), 1.0},
}

// citationPattern matches bracketed numeric citations, markdown links, and
// bare http(s) URLs.
var citationPattern = regexp.MustCompile(`\[\d+\]|\[[^\]]+\]\(https?://[^)]+\)|https?://\S+`)

// blockToxicity is the score at or above which output is refused rather than
// redacted.
const blockToxicity = 0.8

// PostGuard verifies generated output. Stateless and safe for concurrent use.
type PostGuard struct{}

func NewPostGuard() *PostGuard { return &PostGuard{} }

// Check scores the final text. Outputs that leak PII are redacted with the
// same placeholders PreGuard uses; high-toxicity output and grounded answers
// without citations are blocked.
func (g *PostGuard) Check(text string, ctx PostContext) PostVerdict {
	v := PostVerdict{Action: ActionPass, CitationsOK: CitationsNotApplicable}

	for _, t := range toxicTerms {
		if t.re.MatchString(text) {
			v.Toxicity += t.weight
			v.Violations = append(v.Violations, Detection{Kind: DetectDisallowed, Match: t.re.String()})
		}
	}
	if v.Toxicity > 1 {
		v.Toxicity = 1
	}

	if ctx.GroundingRequired {
		if citationPattern.MatchString(text) {
			v.CitationsOK = CitationsOK
		} else {
			v.CitationsOK = CitationsMissing
		}
	}

	if v.Toxicity >= blockToxicity || v.CitationsOK == CitationsMissing {
		v.Action = ActionBlock
		return v
	}

	redacted := text
	leaked := false
	for _, p := range piiPatterns {
		placeholder := Placeholder(p.kind)
		out := p.re.ReplaceAllString(redacted, placeholder)
		if out != redacted {
			leaked = true
			v.Violations = append(v.Violations, Detection{Kind: p.kind})
			redacted = out
		}
	}
	if leaked || v.Toxicity > 0 {
		if leaked {
			v.Redacted = redacted
		} else {
			// Mildly toxic but below the block line: strip the matched terms.
			v.Redacted = stripToxic(text)
		}
		v.Action = ActionRedact
		return v
	}

	return v
}

func stripToxic(text string) string {
	out := text
	for _, t := range toxicTerms {
		out = t.re.ReplaceAllString(out, "[removed]")
	}
	return strings.TrimSpace(out)
}
