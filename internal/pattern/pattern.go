// Package pattern compiles the glob patterns used by subscriptions and key
// listings. A pattern is anchored at both ends; `*` matches any run of
// characters, dots included, and every other character matches itself.
package pattern

import (
	"regexp"
	"strings"
)

// Matcher reports whether an id matches a compiled pattern.
type Matcher struct {
	source string
	all    bool
	exact  bool
	re     *regexp.Regexp
}

// Compile turns a glob pattern into a Matcher. It never fails: every
// character other than `*` is quoted before the expression is built.
func Compile(glob string) *Matcher {
	m := &Matcher{source: glob}
	switch {
	case glob == "*":
		m.all = true
	case !strings.Contains(glob, "*"):
		m.exact = true
	default:
		parts := strings.Split(glob, "*")
		for i, part := range parts {
			parts[i] = regexp.QuoteMeta(part)
		}
		m.re = regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
	}
	return m
}

// Match reports whether id matches.
func (m *Matcher) Match(id string) bool {
	if m == nil {
		return false
	}
	switch {
	case m.all:
		return true
	case m.exact:
		return id == m.source
	default:
		return m.re.MatchString(id)
	}
}

// String returns the source pattern.
func (m *Matcher) String() string {
	if m == nil {
		return ""
	}
	return m.source
}

// Filter returns the ids that match glob, preserving input order.
func Filter(glob string, ids []string) []string {
	m := Compile(glob)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m.Match(id) {
			out = append(out, id)
		}
	}
	return out
}
