// Package rule implements the glob-based mapping from a stream identity
// to the ordered list of template names that should transcode it.
package rule

import (
	"regexp"
	"strings"
	"sync"
)

// Rule binds an (app glob, stream glob) pair to an ordered list of
// template names. Matching is first-match-wins in insertion order.
// Priority is parsed and stored but, per spec.md §4.2/§9, is not
// consulted by Match.
type Rule struct {
	AppPattern    string
	StreamPattern string
	Templates     []string
	AutoStart     bool
	Priority      int

	appRegexp    *regexp.Regexp
	streamRegexp *regexp.Regexp
}

// compile builds the anchored regexps used by Matches; Matches calls it
// itself when they have not been built yet.
func (r *Rule) compile() {
	r.appRegexp = globToRegexp(r.AppPattern)
	r.streamRegexp = globToRegexp(r.StreamPattern)
}

// Matches reports whether app/stream satisfy both glob patterns.
func (r *Rule) Matches(app, stream string) bool {
	if r.appRegexp == nil {
		r.compile()
	}
	return r.appRegexp.MatchString(app) && r.streamRegexp.MatchString(stream)
}

// globToRegexp translates a glob pattern by literal substring
// replacement only — "*" becomes ".*" and "?" becomes "." — and
// anchors both ends. Every other character, including regex
// metacharacters like ".", is passed through unescaped, matching
// pattern_to_regex in the original TranscodeConfig.
func globToRegexp(pattern string) *regexp.Regexp {
	replaced := strings.NewReplacer("*", ".*", "?", ".").Replace(pattern)
	return regexp.MustCompile("^" + replaced + "$")
}

// Matcher holds an ordered set of Rules and resolves (app, stream) pairs
// against them plus a template existence check.
type Matcher struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewMatcher returns an empty Matcher.
func NewMatcher() *Matcher {
	return &Matcher{}
}

// Exister reports whether a template name is registered; Match filters
// matched rule templates through it so callers never receive a dangling
// template name.
type Exister interface {
	Exists(name string) bool
}

// AddRule appends r to the ordered rule list.
func (m *Matcher) AddRule(r Rule) {
	r.compile()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, r)
}

// Rules returns a copy of the current ordered rule list.
func (m *Matcher) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	copy(out, m.rules)
	return out
}

// Reset atomically clears and replaces the rule list, used by a config
// reload to make the swap all-or-nothing.
func (m *Matcher) Reset(rules []Rule) {
	for i := range rules {
		rules[i].compile()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

// Match returns the first rule's template list whose app and stream
// globs both match, filtered to templates that exist in registry. If no
// rule matches, or the matching rule's templates are all unknown, it
// returns an empty, non-nil slice.
func (m *Matcher) Match(app, stream string, registry Exister) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.rules {
		if !r.Matches(app, stream) {
			continue
		}
		matched := make([]string, 0, len(r.Templates))
		for _, name := range r.Templates {
			if registry == nil || registry.Exists(name) {
				matched = append(matched, name)
			}
		}
		return matched
	}
	return []string{}
}
