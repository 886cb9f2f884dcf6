package sig

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
)

// PatternKind selects which class of content a rule applies to.
type PatternKind uint8

const (
	// PatternPayload matches raw connection payload, packet or stream.
	PatternPayload PatternKind = iota
)

// Direction constrains which endpoint's data a rule applies to.
const (
	DirectionBoth       = "both"
	DirectionOriginator = "originator"
	DirectionResponder  = "responder"
)

// Activator receives activation requests fired synchronously from within a
// Match call. The first successful activation wins for a given window; the
// engine itself performs no arbitration.
type Activator interface {
	ActivateAnalyzer(tag analyzer.Tag, rule *Rule)
	DeactivateAnalyzer(tag analyzer.Tag)
}

// RuleSpec is the external, config-friendly form of one signature rule.
type RuleSpec struct {
	ID        string `yaml:"id"`
	Tag       string `yaml:"tag"`
	Pattern   string `yaml:"pattern"`
	Direction string `yaml:"direction"`
}

// Rule is one compiled signature. Rules are immutable after compilation and
// shared across all sessions.
type Rule struct {
	ID        string
	Tag       analyzer.Tag
	Kind      PatternKind
	Pattern   string
	Direction string

	re *regexp.Regexp

	// startAnchored and endAnchored record whether the pattern pins itself
	// to a line boundary. The match window starts at an arbitrary point in
	// the payload, so anchored rules only fire when the window's edges are
	// known to sit on line boundaries.
	startAnchored bool
	endAnchored   bool
}

// String returns a short description for logging.
func (r *Rule) String() string {
	return fmt.Sprintf("Rule{%s -> %s}", r.ID, r.Tag)
}

// Engine holds the compiled rule set. It is stateless across sessions; all
// per-connection matching state lives in SessionState.
type Engine struct {
	rules     []*Rule
	windowMax int
	logger    *slog.Logger
}

// NewEngine compiles specs into an engine. windowMax bounds the number of
// bytes per direction a pattern may span; matching beyond it is abandoned.
func NewEngine(specs []RuleSpec, windowMax int, logger *slog.Logger) (*Engine, error) {
	if windowMax <= 0 {
		return nil, fmt.Errorf("match window must be positive, got %d", windowMax)
	}

	rules := make([]*Rule, 0, len(specs))
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, fmt.Errorf("signature rule without id (tag %q)", spec.Tag)
		}
		if seen[spec.ID] {
			return nil, fmt.Errorf("duplicate signature rule id %q", spec.ID)
		}
		seen[spec.ID] = true

		dir := spec.Direction
		if dir == "" {
			dir = DirectionBoth
		}
		switch dir {
		case DirectionBoth, DirectionOriginator, DirectionResponder:
		default:
			return nil, fmt.Errorf("rule %q: invalid direction %q", spec.ID, spec.Direction)
		}

		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid pattern: %w", spec.ID, err)
		}

		rules = append(rules, &Rule{
			ID:            spec.ID,
			Tag:           analyzer.Tag(spec.Tag),
			Kind:          PatternPayload,
			Pattern:       spec.Pattern,
			Direction:     dir,
			re:            re,
			startAnchored: strings.HasPrefix(spec.Pattern, "^"),
			endAnchored:   strings.HasSuffix(spec.Pattern, "$") && !strings.HasSuffix(spec.Pattern, `\$`),
		})
	}

	return &Engine{
		rules:     rules,
		windowMax: windowMax,
		logger:    logger,
	}, nil
}

// RuleCount returns the number of compiled rules.
func (e *Engine) RuleCount() int {
	return len(e.rules)
}

// endpointState accumulates one direction's match window.
type endpointState struct {
	window      []byte
	consumed    uint64 // bytes fed to this direction, gaps included
	atLineStart bool
	sawGap      bool
	full        bool

	// startsLine: the window's first byte begins a line. endsLine: the
	// window's last byte is also the last byte of an eol-terminated chunk.
	// Anchored rules consult these before matching.
	startsLine bool
	endsLine   bool
}

// SessionState is the per-connection matching state. It is owned by the
// demultiplexer that created it and shares its lifetime.
type SessionState struct {
	orig  endpointState
	resp  endpointState
	fired map[string]bool
}

// NewSession creates fresh matching state for one connection.
func (e *Engine) NewSession() *SessionState {
	return &SessionState{
		orig:  endpointState{atLineStart: true, startsLine: true},
		resp:  endpointState{atLineStart: true, startsLine: true},
		fired: make(map[string]bool),
	}
}

func (st *SessionState) endpoint(isOrig bool) *endpointState {
	if isOrig {
		return &st.orig
	}
	return &st.resp
}

// AtLineStart reports whether the next byte for the direction begins a line.
// The demultiplexer uses it to supply begin-of-line flags for stream data.
func (st *SessionState) AtLineStart(isOrig bool) bool {
	return st.endpoint(isOrig).atLineStart
}

// Consumed returns the number of bytes (gaps included) fed to a direction.
func (st *SessionState) Consumed(isOrig bool) uint64 {
	return st.endpoint(isOrig).consumed
}

// Match runs the rule set over data for one direction. With clearState the
// direction's window is replaced by data (independent matching units, e.g.
// datagrams); otherwise data extends the window up to the engine bound.
// bol/eol report whether the chunk begins and ends a line; rules anchored
// with ^ or $ fire only when the window's corresponding edge sits on a line
// boundary. Every hit invokes act.ActivateAnalyzer before Match returns; a
// rule fires at most once per session.
func (e *Engine) Match(st *SessionState, kind PatternKind, data []byte, isOrig, bol, eol, clearState bool, act Activator) {
	if st == nil || len(data) == 0 {
		return
	}

	ep := st.endpoint(isOrig)
	ep.consumed += uint64(len(data))

	if clearState {
		ep.window = append(ep.window[:0], data...)
		ep.full = false
		ep.startsLine = bol
		ep.endsLine = eol
	} else if !ep.full {
		if len(ep.window) == 0 {
			ep.startsLine = bol
		}
		room := e.windowMax - len(ep.window)
		if room > len(data) {
			room = len(data)
		}
		if room > 0 {
			ep.window = append(ep.window, data[:room]...)
		}
		// The window ends on a line boundary only if this chunk was taken
		// whole; truncation leaves the window cut mid-chunk.
		ep.endsLine = eol && room == len(data)
		if len(ep.window) >= e.windowMax {
			ep.full = true
		}
	} else {
		ep.endsLine = false
	}
	ep.atLineStart = data[len(data)-1] == '\n'

	for _, rule := range e.rules {
		if rule.Kind != kind || st.fired[rule.ID] {
			continue
		}
		if rule.Direction == DirectionOriginator && !isOrig {
			continue
		}
		if rule.Direction == DirectionResponder && isOrig {
			continue
		}
		if rule.startAnchored && !ep.startsLine {
			continue
		}
		win := ep.window
		if rule.endAnchored {
			if !ep.endsLine {
				continue
			}
			// A line's terminator is not part of the line; $ must match
			// just before it.
			win = trimLineEnding(win)
		}
		if !rule.re.Match(win) {
			continue
		}

		st.fired[rule.ID] = true
		if e.logger != nil {
			e.logger.Debug("Signature matched",
				slog.String("rule_id", rule.ID),
				slog.String("tag", rule.Tag.String()),
				slog.Bool("is_orig", isOrig),
				slog.Int("window_bytes", len(ep.window)),
			)
		}
		act.ActivateAnalyzer(rule.Tag, rule)
	}
}

func trimLineEnding(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
		if n := len(b); n > 0 && b[n-1] == '\r' {
			b = b[:n-1]
		}
	}
	return b
}

// Gap records a run of length unknown bytes for one direction. No pattern
// may span unseen content, so the direction's window is discarded while the
// consumed-byte bookkeeping stays continuous.
func (e *Engine) Gap(st *SessionState, isOrig bool, length int) {
	if st == nil || length <= 0 {
		return
	}
	ep := st.endpoint(isOrig)
	ep.consumed += uint64(length)
	ep.window = ep.window[:0]
	ep.full = false
	ep.sawGap = true
	ep.atLineStart = false
	ep.startsLine = false
	ep.endsLine = false
}

// SawGap reports whether the direction's stream had an unseen run.
func (st *SessionState) SawGap(isOrig bool) bool {
	return st.endpoint(isOrig).sawGap
}
