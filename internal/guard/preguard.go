// Package guard implements the safety sandwich: PreGuard sanitizes and gates
// prompts before any provider call, PostGuard verifies generated output before
// it is surfaced. Neither side ever calls a provider or the network.
package guard

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action is the verdict of a guard check.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionSanitize Action = "sanitize"
	ActionBlock    Action = "block"

	ActionPass   Action = "pass"
	ActionRedact Action = "redact"
)

// DetectionKind identifies what a guard pattern matched.
type DetectionKind string

const (
	DetectEmail      DetectionKind = "email"
	DetectPhone      DetectionKind = "phone"
	DetectCard       DetectionKind = "credit_card"
	DetectGovID      DetectionKind = "government_id"
	DetectInjection  DetectionKind = "prompt_injection"
	DetectDisallowed DetectionKind = "disallowed_content"
)

// Detection is a single matched span.
type Detection struct {
	Kind  DetectionKind `json:"kind"`
	Match string        `json:"match,omitempty"` // omitted from audit for PII kinds
}

// PreVerdict is the result of PreGuard.Check.
type PreVerdict struct {
	Action     Action      `json:"action"`
	Sanitized  string      `json:"-"`
	Detections []Detection `json:"detections,omitempty"`
}

type piiPattern struct {
	kind DetectionKind
	re   *regexp.Regexp
}

// PII patterns are redacted, not blocked. Placeholders are stable so that
// re-running PreGuard on sanitized output is a no-op.
// Card and government-id run before phone: their digit runs would otherwise
// partially match the looser phone pattern.
var piiPatterns = []piiPattern{
	{DetectEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{DetectCard, regexp.MustCompile(`\b\d(?:[ -]?\d){12,18}\b`)},
	{DetectGovID, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{DetectPhone, regexp.MustCompile(`\b(?:\+?\d{1,2}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]?\d{4}\b`)},
}

// Injection patterns block the request outright.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions|directions|prompts)`),
	regexp.MustCompile(`(?i)disregard\s+(your|the|all)\s+(rules|instructions|guidelines|system\s+prompt)`),
	regexp.MustCompile(`(?i)reveal\s+(the\s+|your\s+)?system\s+prompt`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(dan|an?\s+unrestricted|jailbroken)`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(the\s+)?system\b`),
	regexp.MustCompile(`(?i)^\s*system\s*:\s*`),
	regexp.MustCompile(`(?i)override\s+(safety|guard|filter)`),
}

// Disallowed content categories also block.
var disallowedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)how\s+to\s+(build|make|synthesize)\s+(a\s+)?(bomb|explosive|nerve\s+agent)`),
	regexp.MustCompile(`(?i)(generate|write)\s+(csam|child\s+sexual)`),
}

// PreGuard sanitizes and gates prompts. Safe for concurrent use; it holds no
// mutable state.
type PreGuard struct{}

func NewPreGuard() *PreGuard { return &PreGuard{} }

// Check inspects the prompt and returns a verdict. Errors are impossible by
// construction: every path yields allow, sanitize, or block.
func (g *PreGuard) Check(prompt string) PreVerdict {
	var detections []Detection

	for _, re := range injectionPatterns {
		if re.MatchString(prompt) {
			detections = append(detections, Detection{Kind: DetectInjection, Match: re.FindString(prompt)})
		}
	}
	for _, re := range disallowedPatterns {
		if re.MatchString(prompt) {
			detections = append(detections, Detection{Kind: DetectDisallowed})
		}
	}
	if len(detections) > 0 {
		return PreVerdict{Action: ActionBlock, Detections: detections}
	}

	sanitized := prompt
	for _, p := range piiPatterns {
		placeholder := Placeholder(p.kind)
		matched := false
		sanitized = p.re.ReplaceAllStringFunc(sanitized, func(m string) string {
			// Already-redacted spans must not match again, and placeholder
			// text itself never matches these patterns.
			matched = true
			return placeholder
		})
		if matched {
			detections = append(detections, Detection{Kind: p.kind})
		}
	}

	if len(detections) == 0 {
		return PreVerdict{Action: ActionAllow, Sanitized: prompt}
	}
	sort.Slice(detections, func(i, j int) bool { return detections[i].Kind < detections[j].Kind })
	return PreVerdict{Action: ActionSanitize, Sanitized: sanitized, Detections: detections}
}

// Placeholder returns the stable redaction token for a detection kind,
// e.g. <REDACTED:EMAIL>.
func Placeholder(kind DetectionKind) string {
	return fmt.Sprintf("<REDACTED:%s>", strings.ToUpper(string(kind)))
}
