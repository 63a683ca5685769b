// Package classify computes request fingerprints and complexity
// classifications. Both functions are pure: the same prompt and flags always
// produce the same result, across process restarts, so fingerprints are safe
// to use as cache keys and audit correlators.
package classify

import (
	"crypto/sha256"
	"regexp"
	"strings"
)

// Complexity buckets a request by how much reasoning it is likely to need.
type Complexity string

const (
	Simple  Complexity = "simple"
	Complex Complexity = "complex"
	Hard    Complexity = "hard"
)

// RiskClass is a coarse pre-screening tag. PreGuard's verdict is
// authoritative; this tag only routes the request toward the right checks.
type RiskClass string

const (
	RiskBenign             RiskClass = "benign"
	RiskPIISuspected       RiskClass = "pii_suspected"
	RiskInjectionSuspected RiskClass = "injection_suspected"
)

// Flags are the request flags that participate in classification and
// fingerprinting.
type Flags struct {
	GroundingRequired bool
	Stream            bool
}

// Classification is the routing-relevant summary of a prompt.
type Classification struct {
	Complexity      Complexity `json:"complexity"`
	EstPromptTokens int        `json:"est_prompt_tokens"`
	NeedsReasoning  bool       `json:"needs_reasoning"`
	RiskClass       RiskClass  `json:"risk_class"`
}

// Config holds the length thresholds for classification. Zero values fall
// back to the defaults.
type Config struct {
	// HardTokens: estimated prompt tokens beyond which a prompt is hard.
	HardTokens int
	// ComplexTokens: estimated prompt tokens beyond which a prompt is complex.
	ComplexTokens int
	// ModelFamilyHint participates in the fingerprint so that cache entries
	// do not leak across incompatible model families.
	ModelFamilyHint string
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{HardTokens: 2000, ComplexTokens: 400}
}

// Structural markers for formal reasoning. Matched against the lowercased
// prompt.
var hardMarkers = []string{
	"prove that", "prove the", "proof of", "derive ", "derivation",
	"big-o", "big o notation", "asymptotic complexity",
	"optimize this algorithm", "time complexity", "space complexity",
	"step-by-step derivation", "multi-step",
	"theorem", "lemma", "induction",
}

// Debugging directives with expected constraints count as hard.
var debugDirective = regexp.MustCompile(`(?i)\b(debug|fix)\b.*\b(expected|should (return|output|print)|constraint)`)

var complexMarkers = []string{
	"write a function", "write code", "implement", "refactor",
	"regex", "regular expression", "sql query",
	"explain in detail", "compare and contrast", "design a",
	"first,", "then,", "finally,",
}

var piiHint = regexp.MustCompile(`\d{3}[-.\s]?\d{3}[-.\s]?\d{4}|@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}|\b\d{13,19}\b`)

var injectionHint = regexp.MustCompile(`(?i)ignore (all )?(previous|prior|above) (instructions|directions)|system prompt|you are now|disregard (your|the) (rules|instructions)`)

// EstimateTokens estimates the token count of a prompt (chars/4 heuristic).
func EstimateTokens(prompt string) int {
	return len(prompt) / 4
}

// Classify buckets a prompt into simple/complex/hard and tags its coarse risk
// class. Ambiguous inputs bias toward complex so they are not under-served.
func Classify(cfg Config, prompt string, flags Flags) Classification {
	if cfg.HardTokens == 0 {
		cfg.HardTokens = DefaultConfig().HardTokens
	}
	if cfg.ComplexTokens == 0 {
		cfg.ComplexTokens = DefaultConfig().ComplexTokens
	}

	lower := strings.ToLower(prompt)
	est := EstimateTokens(prompt)

	c := Classification{
		Complexity:      Simple,
		EstPromptTokens: est,
		RiskClass:       riskOf(prompt),
	}

	switch {
	case matchesAny(lower, hardMarkers), debugDirective.MatchString(prompt), est > cfg.HardTokens:
		c.Complexity = Hard
		c.NeedsReasoning = true
	case matchesAny(lower, complexMarkers), est >= cfg.ComplexTokens, countOccurrences(lower, "?") >= 3:
		c.Complexity = Complex
		c.NeedsReasoning = true
	}

	// Grounded requests need citation-capable reasoning even when the prompt
	// reads as simple.
	if flags.GroundingRequired && c.Complexity == Simple {
		c.Complexity = Complex
		c.NeedsReasoning = true
	}
	return c
}

// Fingerprint returns a stable hash over the normalized prompt, the
// routing-relevant flags, and the configured model family hint.
func Fingerprint(cfg Config, prompt string, flags Flags) []byte {
	h := sha256.New()
	h.Write([]byte(Normalize(prompt)))
	h.Write([]byte{0x00, flagByte(flags.GroundingRequired), flagByte(flags.Stream)})
	h.Write([]byte(cfg.ModelFamilyHint))
	return h.Sum(nil)
}

// Normalize lower-cases, strips trailing whitespace, and collapses runs of
// whitespace to a single space. Semantic content is otherwise untouched.
func Normalize(prompt string) string {
	lower := strings.ToLower(strings.TrimRight(prompt, " \t\r\n"))
	return strings.Join(strings.Fields(lower), " ")
}

func riskOf(prompt string) RiskClass {
	// Injection wins over PII: a prompt carrying both must hit the injection
	// checks first downstream.
	if injectionHint.MatchString(prompt) {
		return RiskInjectionSuspected
	}
	if piiHint.MatchString(prompt) {
		return RiskPIISuspected
	}
	return RiskBenign
}

func matchesAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func countOccurrences(s, sub string) int {
	return strings.Count(s, sub)
}

func flagByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
