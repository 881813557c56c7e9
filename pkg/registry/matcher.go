package registry

import (
	"strings"
	"unicode"
)

// RoleMatcher scores how well an agent's free-text role serves a
// required role. A score of zero means no match.
type RoleMatcher interface {
	Match(required, offered string) bool
	Score(required, offered string) float64
}

// Strategy orders equally matched candidates
type Strategy string

const (
	RoundRobin  Strategy = "round_robin"
	LeastLoaded Strategy = "least_loaded"
)

// DefaultRoleMatcher matches roles case-insensitively. An exact match
// scores 1; otherwise the score is the share of required words present
// in the offered role, capped below 1.
type DefaultRoleMatcher struct{}

// NewRoleMatcher creates the default matcher
func NewRoleMatcher() *DefaultRoleMatcher {
	return &DefaultRoleMatcher{}
}

// Match reports whether offered covers every word of required
func (m *DefaultRoleMatcher) Match(required, offered string) bool {
	return m.Score(required, offered) >= 0.9
}

func (m *DefaultRoleMatcher) Score(required, offered string) float64 {
	req := strings.ToLower(strings.TrimSpace(required))
	off := strings.ToLower(strings.TrimSpace(offered))
	if req == "" || off == "" {
		return 0
	}
	if req == off {
		return 1
	}

	have := make(map[string]bool)
	for _, w := range words(off) {
		have[w] = true
	}
	want := words(req)
	if len(want) == 0 {
		return 0
	}

	matched := 0
	for _, w := range want {
		if have[w] {
			matched++
		}
	}
	return float64(matched) / float64(len(want)) * 0.9
}

func words(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
