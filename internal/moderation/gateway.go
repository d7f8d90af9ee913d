// Package moderation screens message content before it is persisted.
// The gate always sees plaintext; callers must invoke it before encryption.
package moderation

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// Suggested actions for screened content.
const (
	ActionAllow  = "allow"
	ActionReview = "review"
	ActionBlock  = "block"
)

// Result is the ephemeral outcome of scoring one piece of content.
type Result struct {
	Flagged     bool
	Confidence  float64
	Categories  []string
	Action      string
	Explanation string
}

// Rejected reports whether the content must not be persisted.
func (r Result) Rejected() bool {
	return r.Action == ActionBlock
}

type patternCheck struct {
	category   string
	confidence func(matches int) float64
	patterns   []*regexp.Regexp
}

var profanityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(fuck|shit|bitch|bastard)\b`),
	regexp.MustCompile(`(?i)\b(kill\s+yourself|kys)\b`),
	regexp.MustCompile(`(?i)\b(stalker?|creep|pervert)\b`),
}

var personalInfoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	regexp.MustCompile(`\(\d{3}\)\s?\d{3}[-.]?\d{4}`),
	regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[a-z]{2,}\b`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`),
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(buy now|click here|act fast|limited time|offer expires|free money|guaranteed)\b`),
}

var scamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(send\s+money|wire\s+transfer|western\s+union|cash\s+app|venmo|paypal)\b`),
	regexp.MustCompile(`(?i)\b(emergency\s+funds|urgent\s+money|desperate\s+need)\b`),
	regexp.MustCompile(`(?i)\b(easy\s+money|work\s+from\s+home|quick\s+cash)\b`),
}

var linkPattern = regexp.MustCompile(`(?i)\bhttps?://([A-Za-z0-9.-]+)`)

// Gateway scores message content against the pattern banks. It is a pure,
// injected service so tests can substitute fakes.
type Gateway struct {
	checks       []patternCheck
	trustedHosts map[string]bool
	logger       *zap.Logger
}

// NewGateway creates a moderation gateway. Links to hosts outside
// trustedHosts count toward the spam score; an empty list distrusts all
// links.
func NewGateway(logger *zap.Logger, trustedHosts ...string) *Gateway {
	trusted := make(map[string]bool, len(trustedHosts))
	for _, h := range trustedHosts {
		trusted[strings.ToLower(h)] = true
	}
	return &Gateway{
		logger:       logger,
		trustedHosts: trusted,
		checks: []patternCheck{
			{
				category: "profanity",
				patterns: profanityPatterns,
				confidence: func(matches int) float64 {
					return min(float64(matches)*0.3, 0.9)
				},
			},
			{
				category: "personal_info",
				patterns: personalInfoPatterns,
				confidence: func(matches int) float64 { return 0.7 },
			},
			{
				category: "spam",
				patterns: spamPatterns,
				confidence: func(matches int) float64 {
					return min(float64(matches)*0.2, 0.6)
				},
			},
			{
				category: "potential_scam",
				patterns: scamPatterns,
				confidence: func(matches int) float64 { return 0.85 },
			},
		},
	}
}

// Score screens content and returns approve/reject with a reason and a
// numeric risk score. It never errors; unknown content is allowed.
func (g *Gateway) Score(content string) Result {
	var (
		categories []string
		confidence float64
	)

	for _, check := range g.checks {
		matches := 0
		for _, p := range check.patterns {
			matches += len(p.FindAllString(content, -1))
		}
		if matches == 0 {
			continue
		}
		categories = append(categories, check.category)
		if c := check.confidence(matches); c > confidence {
			confidence = c
		}
	}

	if repeatedRun(content) {
		if !contains(categories, "spam") {
			categories = append(categories, "spam")
		}
		if confidence < 0.2 {
			confidence = 0.2
		}
	}

	if n := g.untrustedLinks(content); n > 0 {
		categories = append(categories, "suspicious_link")
		if c := min(float64(n)*0.3, 0.6); c > confidence {
			confidence = c
		}
	}

	result := Result{
		Flagged:     len(categories) > 0,
		Confidence:  confidence,
		Categories:  categories,
		Action:      ActionAllow,
		Explanation: "content appears safe",
	}

	switch {
	case confidence > 0.8:
		result.Action = ActionBlock
	case confidence > 0.4 || contains(categories, "personal_info") || contains(categories, "suspicious_link"):
		result.Action = ActionReview
	}

	if result.Flagged {
		result.Explanation = fmt.Sprintf("content flagged for: %s", strings.Join(categories, ", "))
		g.logger.Info("content flagged",
			zap.Strings("categories", categories),
			zap.Float64("confidence", confidence),
			zap.String("action", result.Action))
	}

	return result
}

func (g *Gateway) untrustedLinks(content string) int {
	n := 0
	for _, m := range linkPattern.FindAllStringSubmatch(content, -1) {
		if !g.trustedHosts[strings.ToLower(m[1])] {
			n++
		}
	}
	return n
}

// repeatedRun reports whether content contains a run of more than ten
// identical runes. RE2 has no backreferences, so this is a hand scan.
func repeatedRun(content string) bool {
	var prev rune
	count := 0
	for _, r := range content {
		if r == prev {
			count++
		} else {
			prev, count = r, 1
		}
		if count > 10 {
			return true
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
