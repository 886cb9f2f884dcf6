package login

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/SatadalSengupta/zeek-fractal/internal/analyzer"
)

// Tag registers the analyzer in the factory registry.
const Tag analyzer.Tag = "login"

// State tracks where a login session stands.
type State int

const (
	// StateAuthenticate means the session is still trying to authenticate.
	StateAuthenticate State = iota
	// StateLoggedIn means authentication succeeded.
	StateLoggedIn
	// StateSkip means further processing is skipped.
	StateSkip
	// StateConfused means the dialog no longer fits the expected shape.
	StateConfused
)

func (s State) String() string {
	switch s {
	case StateAuthenticate:
		return "authenticate"
	case StateLoggedIn:
		return "logged_in"
	case StateSkip:
		return "skip"
	case StateConfused:
		return "confused"
	default:
		return "unknown"
	}
}

const (
	// If no recognizable dialog activity within this many server lines, the
	// session is declared confused.
	maxAuthenticateLines = 50

	// Server lines to scan after a login prompt for a failure message
	// before declaring success.
	maxLoginLookahead = 10

	// Unconsumed client lines held as typeahead before complaining.
	maxUserText = 12
)

// Event is one observation reported by the analyzer.
type Event struct {
	Kind     EventKind
	Username string
	Line     string
}

// EventKind enumerates reported observations.
type EventKind int

const (
	EventLoginSuccess EventKind = iota
	EventLoginFailure
	EventConfused
	EventInputLine
	EventOutputLine
)

func (k EventKind) String() string {
	switch k {
	case EventLoginSuccess:
		return "login_success"
	case EventLoginFailure:
		return "login_failure"
	case EventConfused:
		return "confused"
	case EventInputLine:
		return "input_line"
	case EventOutputLine:
		return "output_line"
	default:
		return "unknown"
	}
}

// Handler receives analyzer events. A nil handler drops them.
type Handler func(Event)

// Analyzer is a line-oriented login-session analyzer. It reconstructs lines
// from stream bytes per direction and runs an authentication dialog state
// machine over them.
type Analyzer struct {
	analyzer.Base

	logger  *slog.Logger
	handler Handler

	state             State
	linesScanned      int
	promptLine        int
	failureLine       int
	sawPrompt         bool
	pendingUserPrompt bool

	// Client lines not yet matched to a prompt.
	userText []string

	username string

	lineOrig []byte
	lineResp []byte
}

// New creates a login analyzer reporting through handler.
func New(logger *slog.Logger, handler Handler) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		Base:    analyzer.Base{AnalyzerTag: Tag},
		logger:  logger,
		handler: handler,
		state:   StateAuthenticate,
	}
}

// Factory adapts New to the registry's factory signature.
func Factory(logger *slog.Logger, handler Handler) analyzer.Factory {
	return func(analyzer.Tag) analyzer.Analyzer {
		return New(logger, handler)
	}
}

// LoginState returns the current dialog state.
func (a *Analyzer) LoginState() State { return a.state }

// Username returns the last username seen, or "" if none.
func (a *Analyzer) Username() string { return a.username }

// DeliverStream implements analyzer.Analyzer. Bytes are accumulated per
// direction and processed line by line; a partial trailing line waits for
// more input.
func (a *Analyzer) DeliverStream(data []byte, isOrig bool) {
	if a.state == StateSkip {
		return
	}

	buf := &a.lineResp
	if isOrig {
		buf = &a.lineOrig
	}
	*buf = append(*buf, data...)

	for {
		idx := bytes.IndexByte(*buf, '\n')
		if idx < 0 {
			return
		}
		line := strings.TrimRight(string((*buf)[:idx]), "\r")
		*buf = (*buf)[idx+1:]
		a.newLine(isOrig, line)
		if a.state == StateSkip {
			return
		}
	}
}

// Undelivered implements analyzer.Analyzer. A content gap makes line
// reconstruction unreliable, so the analyzer gives up rather than stitch
// unrelated fragments together.
func (a *Analyzer) Undelivered(seq uint64, length int, isOrig bool) {
	if length <= 0 || a.state == StateSkip {
		return
	}
	a.confused("content gap in login session")
}

// Done implements analyzer.Analyzer. A partial final line without a
// terminator is still processed.
func (a *Analyzer) Done() {
	if a.state == StateSkip {
		return
	}
	if len(a.lineOrig) > 0 {
		a.newLine(true, strings.TrimRight(string(a.lineOrig), "\r"))
		a.lineOrig = nil
	}
	if len(a.lineResp) > 0 {
		a.newLine(false, strings.TrimRight(string(a.lineResp), "\r"))
		a.lineResp = nil
	}
}

func (a *Analyzer) newLine(isOrig bool, line string) {
	switch a.state {
	case StateAuthenticate:
		a.authenticationDialog(isOrig, line)
	case StateLoggedIn:
		if isOrig {
			a.emit(Event{Kind: EventInputLine, Line: line})
		} else {
			a.emit(Event{Kind: EventOutputLine, Line: line})
		}
	case StateConfused:
		// Keep surfacing raw lines so a consumer can log the confusion
		// context, but do no further interpretation.
		if isOrig {
			a.emit(Event{Kind: EventInputLine, Line: line})
		} else {
			a.emit(Event{Kind: EventOutputLine, Line: line})
		}
	}
}

func (a *Analyzer) authenticationDialog(isOrig bool, line string) {
	if isOrig {
		if isEmptyLine(line) && len(a.userText) == 0 {
			return
		}
		// A client line answering an outstanding user prompt is the
		// username; anything else is typeahead.
		if a.pendingUserPrompt {
			a.pendingUserPrompt = false
			a.username = line
			return
		}
		a.addUserText(line)
		return
	}

	a.linesScanned++

	switch {
	case isSkipAuthentication(line):
		a.state = StateLoggedIn
		a.emit(Event{Kind: EventLoginSuccess, Username: a.username, Line: line})

	case isFailureMsg(line):
		a.failureLine = a.linesScanned
		a.emit(Event{Kind: EventLoginFailure, Username: a.username, Line: line})

	// Success before prompt: "Last login: ..." contains "login:" but is
	// a success banner, not a prompt.
	case isSuccessMsg(line):
		a.state = StateLoggedIn
		a.emit(Event{Kind: EventLoginSuccess, Username: a.username, Line: line})

	case isLoginPrompt(line):
		a.sawPrompt = true
		a.promptLine = a.linesScanned
		// Password prompts do not name the account; only user prompts
		// consume typeahead as the username.
		if isUserPrompt(line) {
			if len(a.userText) > 0 {
				a.username = a.popUserText()
			} else {
				a.pendingUserPrompt = true
			}
		}

	default:
		// A prompt with no failure message inside the lookahead window
		// counts as a successful login.
		if a.sawPrompt && a.username != "" &&
			a.linesScanned-a.promptLine > maxLoginLookahead &&
			a.failureLine < a.promptLine {
			a.state = StateLoggedIn
			a.emit(Event{Kind: EventLoginSuccess, Username: a.username, Line: line})
			return
		}
		if a.linesScanned > maxAuthenticateLines {
			a.confused("too many lines without authentication dialog")
		}
	}
}

func (a *Analyzer) addUserText(line string) {
	if len(a.userText) >= maxUserText {
		a.confused("excessive typeahead")
		return
	}
	a.userText = append(a.userText, line)
}

func (a *Analyzer) popUserText() string {
	if len(a.userText) == 0 {
		return ""
	}
	line := a.userText[0]
	a.userText = a.userText[1:]
	return line
}

func (a *Analyzer) confused(msg string) {
	if a.state == StateConfused {
		return
	}
	a.state = StateConfused
	a.logger.Debug("Login analyzer confused", slog.String("reason", msg))
	a.emit(Event{Kind: EventConfused, Line: msg})
}

func (a *Analyzer) emit(ev Event) {
	if a.handler != nil {
		a.handler(ev)
	}
}

func isEmptyLine(line string) bool {
	return strings.TrimSpace(line) == ""
}

var userPrompts = []string{
	"login:", "username:", "user:", "name:",
}

var passwordPrompts = []string{
	"password:", "passcode:",
}

func isUserPrompt(line string) bool {
	l := strings.ToLower(line)
	for _, p := range userPrompts {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

func isLoginPrompt(line string) bool {
	if isUserPrompt(line) {
		return true
	}
	l := strings.ToLower(line)
	for _, p := range passwordPrompts {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}

var failureMsgs = []string{
	"invalid", "incorrect", "failed", "failure", "denied", "bad password",
	"login incorrect", "sorry", "refused",
}

func isFailureMsg(line string) bool {
	l := strings.ToLower(line)
	for _, m := range failureMsgs {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

var successMsgs = []string{
	"last login", "welcome", "logged in", "authentication successful",
}

func isSuccessMsg(line string) bool {
	l := strings.ToLower(line)
	for _, m := range successMsgs {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

var skipAuthenticationMsgs = []string{
	"rlogind: authentication", "authenticated with no password",
}

func isSkipAuthentication(line string) bool {
	l := strings.ToLower(line)
	for _, m := range skipAuthenticationMsgs {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}
