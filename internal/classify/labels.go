// Package classify assigns a topic label to each extracted paper using a
// primary language model provider with a secondary fallback.
package classify

import (
	"fmt"
	"strings"
)

// Unknown is written when a provider answers with something outside the
// label set.
const Unknown = "Unknown"

// DefaultLabels is the topic set used when none is configured.
var DefaultLabels = []string{
	"Deep Learning",
	"Computer Vision",
	"Reinforcement Learning",
	"Natural Language Processing",
	"Optimization",
}

// Labels matches provider answers against a fixed label set, ignoring case.
type Labels struct {
	names   []string
	byLower map[string]string
}

// NewLabels builds a matcher. An empty list selects DefaultLabels.
func NewLabels(names []string) Labels {
	if len(names) == 0 {
		names = DefaultLabels
	}
	l := Labels{names: append([]string(nil), names...), byLower: make(map[string]string, len(names))}
	for _, n := range names {
		l.byLower[strings.ToLower(strings.TrimSpace(n))] = n
	}
	return l
}

// Names returns the labels in configured order.
func (l Labels) Names() []string {
	return append([]string(nil), l.names...)
}

// Match maps a raw answer onto a label, ignoring surrounding whitespace,
// quotes and periods. Anything else yields Unknown.
func (l Labels) Match(answer string) string {
	a := strings.Trim(answer, " \t\r\n\"'`*.")
	if label, ok := l.byLower[strings.ToLower(a)]; ok {
		return label
	}
	return Unknown
}

// Prompt renders the single-turn classification request.
func (l Labels) Prompt(p Paper) string {
	return fmt.Sprintf(
		"Classify the following research paper into one of these categories: %s.\n"+
			"Title: %s\nAbstract: %s\nReturn only the category name.",
		strings.Join(l.names, ", "), p.Title, p.Abstract,
	)
}
