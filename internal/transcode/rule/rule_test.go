package rule

import (
	"context"
	"testing"
)

type fakeExister map[string]bool

func (f fakeExister) Exists(name string) bool { return f[name] }

func TestMatchFirstRuleWins(t *testing.T) {
	m := NewMatcher()
	m.AddRule(Rule{AppPattern: "live", StreamPattern: "cam*", Templates: []string{"sd"}})
	m.AddRule(Rule{AppPattern: "live", StreamPattern: "*", Templates: []string{"hd"}})

	reg := fakeExister{"sd": true, "hd": true}

	got := m.Match("live", "cam1", reg)
	if len(got) != 1 || got[0] != "sd" {
		t.Fatalf("got %v, want [sd] (first matching rule wins)", got)
	}

	got = m.Match("live", "other", reg)
	if len(got) != 1 || got[0] != "hd" {
		t.Fatalf("got %v, want [hd]", got)
	}
}

func TestMatchGlobPattern(t *testing.T) {
	m := NewMatcher()
	m.AddRule(Rule{AppPattern: "*", StreamPattern: "cam*", Templates: []string{"sd"}})
	reg := fakeExister{"sd": true}

	if got := m.Match("live", "cam1", reg); len(got) != 1 {
		t.Fatalf("expected live/cam1 to match, got %v", got)
	}
	if got := m.Match("vod", "cam1", reg); len(got) != 1 {
		t.Fatalf("expected vod/cam1 to match (app=*), got %v", got)
	}
	if got := m.Match("live", "other1", reg); len(got) != 0 {
		t.Fatalf("expected live/other1 not to match, got %v", got)
	}
}

func TestMatchGlobDotIsUnescapedRegexMetacharacter(t *testing.T) {
	m := NewMatcher()
	m.AddRule(Rule{AppPattern: "live.hd", StreamPattern: "*", Templates: []string{"sd"}})
	reg := fakeExister{"sd": true}

	if got := m.Match("liveXhd", "cam1", reg); len(got) != 1 {
		t.Fatalf("expected live.hd to match liveXhd (unescaped '.'), got %v", got)
	}
	if got := m.Match("livehd", "cam1", reg); len(got) != 0 {
		t.Fatalf("expected live.hd not to match livehd ('.' still requires exactly one character), got %v", got)
	}
}

func TestMatchFiltersUnknownTemplates(t *testing.T) {
	m := NewMatcher()
	m.AddRule(Rule{AppPattern: "live", StreamPattern: "*", Templates: []string{"sd", "ghost", "hd"}})
	reg := fakeExister{"sd": true, "hd": true}

	got := m.Match("live", "cam1", reg)
	if len(got) != 2 || got[0] != "sd" || got[1] != "hd" {
		t.Fatalf("got %v, want [sd hd] with ghost filtered out", got)
	}
}

func TestMatchNoRuleMatchesReturnsEmptyNonNil(t *testing.T) {
	m := NewMatcher()
	m.AddRule(Rule{AppPattern: "vod", StreamPattern: "*", Templates: []string{"sd"}})

	got := m.Match("live", "cam1", fakeExister{})
	if got == nil {
		t.Fatal("expected non-nil empty slice")
	}
	if len(got) != 0 {
		t.Fatalf("expected no match, got %v", got)
	}
}

func TestParseRuleSplitsAppAndStreamPattern(t *testing.T) {
	r, err := parseRule("live/cam*", "sd,hd")
	if err != nil {
		t.Fatalf("parseRule: %v", err)
	}
	if r.AppPattern != "live" || r.StreamPattern != "cam*" {
		t.Fatalf("got app=%q stream=%q", r.AppPattern, r.StreamPattern)
	}
	if len(r.Templates) != 2 || r.Templates[0] != "sd" || r.Templates[1] != "hd" {
		t.Fatalf("got templates %v", r.Templates)
	}
}

func TestParseRuleDefaultsStreamPatternToStar(t *testing.T) {
	r, err := parseRule("live", "sd")
	if err != nil {
		t.Fatalf("parseRule: %v", err)
	}
	if r.StreamPattern != "*" {
		t.Fatalf("got stream pattern %q, want *", r.StreamPattern)
	}
}

func TestParseRuleAnnotations(t *testing.T) {
	r, err := parseRule("live", "sd,hd;auto_start=true;priority=10")
	if err != nil {
		t.Fatalf("parseRule: %v", err)
	}
	if !r.AutoStart {
		t.Error("expected auto_start=true")
	}
	if r.Priority != 10 {
		t.Errorf("priority = %d, want 10", r.Priority)
	}
	if len(r.Templates) != 2 {
		t.Fatalf("got templates %v", r.Templates)
	}
}

type fakeStore struct {
	values map[string]string
}

func (f fakeStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f fakeStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for k := range f.values {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func TestLoadBuildsMatcherFromStore(t *testing.T) {
	store := fakeStore{values: map[string]string{
		"rules.live/cam*": "sd,hd",
		"rules.vod":        "sd;priority=5",
		"rules.broken":     "",
	}}

	m, err := Load(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	reg := fakeExister{"sd": true, "hd": true}
	if got := m.Match("live", "cam1", reg); len(got) != 2 {
		t.Fatalf("live/cam1 got %v", got)
	}
	if got := m.Match("vod", "anything", reg); len(got) != 1 || got[0] != "sd" {
		t.Fatalf("vod got %v", got)
	}
	if got := m.Match("broken", "x", reg); len(got) != 0 {
		t.Fatalf("expected rules.broken (empty template list) to be skipped, got %v", got)
	}
}
