package rule

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"transcodesupervisor/internal/config"
)

// keyPrefix is the config.Store namespace rules live under. A key of
// "rules.live" or "rules.live/cam*" holds a comma-separated template
// list; a missing stream glob defaults to "*" per spec.md §6.
//
// The wire format only specifies the template list; auto-start and
// priority have no textual form in spec.md, so this implementation
// accepts them as optional trailing ";key=value" annotations appended
// to the value, e.g. "sd,hd;auto_start=true;priority=10". Both default
// to their zero values (auto_start=false, priority=0) when omitted.
const keyPrefix = "rules."

// Load reads every "rules.<pattern>" entry from store and builds a
// Matcher. A malformed pattern or an entry with no usable template
// names is logged and skipped.
func Load(ctx context.Context, store config.Store, logger *slog.Logger) (*Matcher, error) {
	keys, err := store.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("rule: list keys: %w", err)
	}

	rules := make([]Rule, 0, len(keys))
	for _, key := range keys {
		pattern := strings.TrimPrefix(key, keyPrefix)
		if pattern == "" {
			continue
		}
		raw, ok, err := store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("rule: get %q: %w", key, err)
		}
		if !ok {
			continue
		}

		r, err := parseRule(pattern, raw)
		if err != nil {
			if logger != nil {
				logger.Warn("skipping invalid rule", "pattern", pattern, "error", err)
			}
			continue
		}
		if len(r.Templates) == 0 {
			if logger != nil {
				logger.Warn("skipping rule with no template names", "pattern", pattern)
			}
			continue
		}
		rules = append(rules, r)
	}

	m := NewMatcher()
	m.Reset(rules)
	return m, nil
}

func parseRule(pattern, value string) (Rule, error) {
	appPattern, streamPattern := pattern, "*"
	if idx := strings.IndexByte(pattern, '/'); idx >= 0 {
		appPattern, streamPattern = pattern[:idx], pattern[idx+1:]
	}
	// Reject patterns globToRegexp could not compile, so Matcher.Reset
	// never panics on them.
	for _, p := range []string{appPattern, streamPattern} {
		if _, err := regexp.Compile("^" + strings.NewReplacer("*", ".*", "?", ".").Replace(p) + "$"); err != nil {
			return Rule{}, fmt.Errorf("pattern %q: %w", p, err)
		}
	}

	body, annotations := splitAnnotations(value)

	var templates []string
	for _, name := range strings.Split(body, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			templates = append(templates, name)
		}
	}

	r := Rule{
		AppPattern:    appPattern,
		StreamPattern: streamPattern,
		Templates:     templates,
	}

	for k, v := range annotations {
		switch k {
		case "auto_start":
			b, err := strconv.ParseBool(v)
			if err != nil {
				return Rule{}, fmt.Errorf("auto_start: %w", err)
			}
			r.AutoStart = b
		case "priority":
			n, err := strconv.Atoi(v)
			if err != nil {
				return Rule{}, fmt.Errorf("priority: %w", err)
			}
			r.Priority = n
		}
	}

	return r, nil
}

func splitAnnotations(value string) (body string, annotations map[string]string) {
	parts := strings.Split(value, ";")
	annotations = make(map[string]string)
	for _, kv := range parts[1:] {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		annotations[strings.TrimSpace(kv[:eq])] = strings.TrimSpace(kv[eq+1:])
	}
	return parts[0], annotations
}
