package permute

import (
	"strings"
)

// DefaultMaxCandidates bounds how many candidates one person yields.
const DefaultMaxCandidates = 8

// Inference thresholds: at least this many pattern hits, agreeing at
// least this strongly, before a company pattern is trusted.
const (
	minInferenceHits      = 2
	minInferenceAgreement = 0.8
)

// Candidate is one generated address with the pattern that produced it.
type Candidate struct {
	Email   string
	Pattern Pattern
	Rank    int
}

// Generate returns ranked candidate addresses for a person at domain.
// A preferred pattern, when known, is emitted first; the rest follow
// the default rank. Duplicates collapse to their best rank.
func Generate(first, last, domain string, preferred Pattern, max int) []Candidate {
	if max <= 0 {
		max = DefaultMaxCandidates
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil
	}

	order := make([]Pattern, 0, len(RankedPatterns)+1)
	if preferred != "" {
		order = append(order, preferred)
	}
	order = append(order, RankedPatterns...)

	seen := make(map[string]struct{}, max)
	out := make([]Candidate, 0, max)
	for _, p := range order {
		localpart := p.Apply(first, last)
		if localpart == "" || IsRoleAlias(localpart) {
			continue
		}
		email := localpart + "@" + domain
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, Candidate{Email: email, Pattern: p, Rank: len(out)})
		if len(out) >= max {
			break
		}
	}
	return out
}

// Sample is one published address paired with the person it belongs to.
type Sample struct {
	Localpart string
	First     string
	Last      string
}

// MatchPattern reports which known pattern produced localpart for the
// given name, if any.
func MatchPattern(localpart, first, last string) (Pattern, bool) {
	lp := strings.ToLower(strings.TrimSpace(localpart))
	if lp == "" || IsRoleAlias(lp) {
		return "", false
	}
	for _, p := range RankedPatterns {
		if p.Apply(first, last) == lp {
			return p, true
		}
	}
	return "", false
}

// InferPattern derives the company-wide naming pattern from published
// address samples. It returns ok only when enough samples match one
// pattern decisively; role aliases and unmatched samples dilute only
// the agreement among matched ones, not the hit floor.
func InferPattern(samples []Sample) (Pattern, bool) {
	counts := make(map[Pattern]int)
	matched := 0
	for _, s := range samples {
		p, ok := MatchPattern(s.Localpart, s.First, s.Last)
		if !ok {
			continue
		}
		counts[p]++
		matched++
	}
	if matched < minInferenceHits {
		return "", false
	}

	var best Pattern
	bestCount := 0
	for p, n := range counts {
		if n > bestCount {
			best, bestCount = p, n
		}
	}
	if bestCount < minInferenceHits {
		return "", false
	}
	if float64(bestCount)/float64(matched) < minInferenceAgreement {
		return "", false
	}
	return best, true
}
