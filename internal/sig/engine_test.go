package sig

import (
	"log/slog"
	"testing"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
)

// captureActivator records activation requests fired during Match.
type captureActivator struct {
	tags  []analyzer.Tag
	rules []*Rule
}

func (c *captureActivator) ActivateAnalyzer(tag analyzer.Tag, rule *Rule) {
	c.tags = append(c.tags, tag)
	c.rules = append(c.rules, rule)
}

func (c *captureActivator) DeactivateAnalyzer(tag analyzer.Tag) {}

func mustEngine(t *testing.T, specs ...RuleSpec) *Engine {
	t.Helper()
	e, err := NewEngine(specs, 1024, slog.Default())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func TestNewEngineValidation(t *testing.T) {
	cases := []struct {
		name  string
		specs []RuleSpec
	}{
		{"missing id", []RuleSpec{{Tag: "http", Pattern: "GET"}}},
		{"duplicate id", []RuleSpec{
			{ID: "a", Tag: "http", Pattern: "GET"},
			{ID: "a", Tag: "ssh", Pattern: "SSH"},
		}},
		{"bad direction", []RuleSpec{{ID: "a", Tag: "http", Pattern: "GET", Direction: "sideways"}}},
		{"bad pattern", []RuleSpec{{ID: "a", Tag: "http", Pattern: "("}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewEngine(tc.specs, 1024, nil); err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
		})
	}

	if _, err := NewEngine(nil, 0, nil); err == nil {
		t.Error("Expected error for non-positive window")
	}
}

func TestMatchFiresSynchronously(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "ssh", Tag: "ssh", Pattern: "^SSH-2\\.0"})
	st := e.NewSession()
	act := &captureActivator{}

	e.Match(st, PatternPayload, []byte("SSH-2.0-OpenSSH_9.6\r\n"), true, true, true, true, act)

	if len(act.tags) != 1 || act.tags[0] != "ssh" {
		t.Fatalf("Expected one ssh activation, got %v", act.tags)
	}
	if act.rules[0] == nil || act.rules[0].ID != "ssh" {
		t.Errorf("Expected firing rule passed to activator, got %v", act.rules[0])
	}
}

func TestRuleFiresAtMostOncePerSession(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "ping", Tag: "icmpish", Pattern: "PING"})
	st := e.NewSession()
	act := &captureActivator{}

	e.Match(st, PatternPayload, []byte("PING"), true, true, true, true, act)
	e.Match(st, PatternPayload, []byte("PING"), true, true, true, true, act)

	if len(act.tags) != 1 {
		t.Errorf("Expected rule to fire once per session, got %d activations", len(act.tags))
	}
}

func TestClearStateIsolatesDatagrams(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "split", Tag: "x", Pattern: "HELLOWORLD"})
	st := e.NewSession()
	act := &captureActivator{}

	// With clearState each datagram is independent: a pattern split across
	// two of them must not fire.
	e.Match(st, PatternPayload, []byte("HELLO"), true, true, true, true, act)
	e.Match(st, PatternPayload, []byte("WORLD"), true, true, true, true, act)

	if len(act.tags) != 0 {
		t.Errorf("Expected no activation across independent datagrams, got %v", act.tags)
	}

	// Without clearState the window accumulates and the pattern fires.
	st2 := e.NewSession()
	e.Match(st2, PatternPayload, []byte("HELLO"), true, true, false, false, act)
	e.Match(st2, PatternPayload, []byte("WORLD"), true, false, true, false, act)

	if len(act.tags) != 1 {
		t.Errorf("Expected activation from accumulated window, got %d", len(act.tags))
	}
}

func TestDirectionConstraints(t *testing.T) {
	e := mustEngine(t,
		RuleSpec{ID: "req", Tag: "http", Pattern: "GET ", Direction: DirectionOriginator},
		RuleSpec{ID: "resp", Tag: "http", Pattern: "HTTP/1", Direction: DirectionResponder},
	)
	st := e.NewSession()
	act := &captureActivator{}

	// Responder data must not fire an originator-only rule.
	e.Match(st, PatternPayload, []byte("GET / HTTP/1.0"), false, true, true, true, act)
	if len(act.tags) != 1 {
		t.Fatalf("Expected only the responder rule, got %v", act.tags)
	}
	if act.rules[0].ID != "resp" {
		t.Errorf("Expected resp rule, got %s", act.rules[0].ID)
	}
}

func TestStartAnchorRequiresLineStart(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "req", Tag: "http", Pattern: "^GET "})
	st := e.NewSession()
	act := &captureActivator{}

	// The window begins mid-line, so the anchored rule must stay quiet even
	// though the regex matches at the window's first byte.
	e.Match(st, PatternPayload, []byte("GET / HTTP/1.0\r\n"), true, false, true, false, act)
	if len(act.tags) != 0 {
		t.Fatalf("Expected no activation for a mid-line window, got %v", act.tags)
	}

	st2 := e.NewSession()
	e.Match(st2, PatternPayload, []byte("GET / HTTP/1.0\r\n"), true, true, true, false, act)
	if len(act.tags) != 1 {
		t.Errorf("Expected activation at line start, got %d", len(act.tags))
	}
}

func TestEndAnchorRequiresLineEnd(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "pong", Tag: "pingpong", Pattern: "PONG$"})
	st := e.NewSession()
	act := &captureActivator{}

	// More bytes may still follow PONG on this line.
	e.Match(st, PatternPayload, []byte("PONG"), false, true, false, false, act)
	if len(act.tags) != 0 {
		t.Fatalf("Expected no activation before the line end, got %v", act.tags)
	}

	// The terminator completes the line; it is not part of the matched text.
	e.Match(st, PatternPayload, []byte("\r\n"), false, false, true, false, act)
	if len(act.tags) != 1 {
		t.Errorf("Expected activation at line end, got %d", len(act.tags))
	}
}

func TestEndAnchorSkipsTruncatedChunk(t *testing.T) {
	e, err := NewEngine([]RuleSpec{{ID: "tail", Tag: "x", Pattern: "AB$"}}, 4, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	st := e.NewSession()
	act := &captureActivator{}

	// The chunk overflows the window bound, so the window no longer ends
	// where the line does.
	e.Match(st, PatternPayload, []byte("XXXAB"), true, true, true, false, act)
	if len(act.tags) != 0 {
		t.Errorf("Expected no activation from a truncated window, got %v", act.tags)
	}
}

func TestGapResetsWindowButKeepsOffsets(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "span", Tag: "x", Pattern: "ABCDEF"})
	st := e.NewSession()
	act := &captureActivator{}

	e.Match(st, PatternPayload, []byte("ABC"), true, true, false, false, act)
	e.Gap(st, true, 4)
	e.Match(st, PatternPayload, []byte("DEF"), true, false, true, false, act)

	if len(act.tags) != 0 {
		t.Errorf("Pattern must not span a gap, got %v", act.tags)
	}
	if !st.SawGap(true) {
		t.Error("Expected gap recorded")
	}
	if want := uint64(3 + 4 + 3); st.Consumed(true) != want {
		t.Errorf("Expected %d consumed bytes, got %d", want, st.Consumed(true))
	}
}

func TestWindowBoundAbandonsLateMatching(t *testing.T) {
	e, err := NewEngine([]RuleSpec{{ID: "late", Tag: "x", Pattern: "NEEDLE"}}, 8, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	st := e.NewSession()
	act := &captureActivator{}

	e.Match(st, PatternPayload, []byte("12345678"), true, true, false, false, act)
	// Past the window bound: the needle is never seen by the matcher.
	e.Match(st, PatternPayload, []byte("NEEDLE"), true, false, true, false, act)

	if len(act.tags) != 0 {
		t.Errorf("Expected matching abandoned past the window bound, got %v", act.tags)
	}
}

func TestLineStartTracking(t *testing.T) {
	e := mustEngine(t)
	st := e.NewSession()
	act := &captureActivator{}

	if !st.AtLineStart(true) {
		t.Error("Expected fresh session to start at a line boundary")
	}
	e.Match(st, PatternPayload, []byte("partial line"), true, true, false, false, act)
	if st.AtLineStart(true) {
		t.Error("Expected mid-line after data without newline")
	}
	e.Match(st, PatternPayload, []byte(" done\n"), true, false, true, false, act)
	if !st.AtLineStart(true) {
		t.Error("Expected line start after trailing newline")
	}
}

func TestZeroLengthMatchIsNoOp(t *testing.T) {
	e := mustEngine(t, RuleSpec{ID: "any", Tag: "x", Pattern: ""})
	st := e.NewSession()
	act := &captureActivator{}

	e.Match(st, PatternPayload, nil, true, true, true, true, act)

	if len(act.tags) != 0 {
		t.Errorf("Zero-length data must not invoke rules, got %v", act.tags)
	}
	if st.Consumed(true) != 0 {
		t.Errorf("Zero-length data must not advance offsets, got %d", st.Consumed(true))
	}
}
