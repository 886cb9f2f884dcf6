package login

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func newTestAnalyzer() (*Analyzer, *[]Event) {
	events := &[]Event{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(logger, func(ev Event) {
		*events = append(*events, ev)
	})
	a.Init()
	return a, events
}

func lastEvent(events []Event, kind EventKind) (Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == kind {
			return events[i], true
		}
	}
	return Event{}, false
}

func TestSuccessfulLoginDialog(t *testing.T) {
	a, events := newTestAnalyzer()

	a.DeliverStream([]byte("login: "), false)
	a.DeliverStream([]byte("\n"), false)
	a.DeliverStream([]byte("alice\r\n"), true)
	a.DeliverStream([]byte("Password:\n"), false)
	a.DeliverStream([]byte("hunter2\r\n"), true)
	a.DeliverStream([]byte("Last login: Tue Aug 12 on tty1\n"), false)

	if a.LoginState() != StateLoggedIn {
		t.Errorf("Expected state logged_in, got %v", a.LoginState())
	}
	if a.Username() != "alice" {
		t.Errorf("Expected username alice, got %q", a.Username())
	}

	ev, ok := lastEvent(*events, EventLoginSuccess)
	if !ok {
		t.Fatal("Expected a login success event")
	}
	if ev.Username != "alice" {
		t.Errorf("Expected success event for alice, got %q", ev.Username)
	}
}

func TestFailedThenSuccessfulLogin(t *testing.T) {
	a, events := newTestAnalyzer()

	a.DeliverStream([]byte("login:\n"), false)
	a.DeliverStream([]byte("bob\n"), true)
	a.DeliverStream([]byte("Password:\n"), false)
	a.DeliverStream([]byte("wrong\n"), true)
	a.DeliverStream([]byte("Login incorrect\n"), false)

	if _, ok := lastEvent(*events, EventLoginFailure); !ok {
		t.Fatal("Expected a login failure event")
	}
	if a.LoginState() != StateAuthenticate {
		t.Errorf("Expected state authenticate after failure, got %v", a.LoginState())
	}

	a.DeliverStream([]byte("login:\n"), false)
	a.DeliverStream([]byte("bob\n"), true)
	a.DeliverStream([]byte("Password:\n"), false)
	a.DeliverStream([]byte("right\n"), true)
	a.DeliverStream([]byte("Welcome to the system\n"), false)

	if a.LoginState() != StateLoggedIn {
		t.Errorf("Expected state logged_in after success, got %v", a.LoginState())
	}
}

func TestTypeaheadConsumedAsUsername(t *testing.T) {
	a, _ := newTestAnalyzer()

	// Client types ahead before the prompt arrives.
	a.DeliverStream([]byte("carol\n"), true)
	a.DeliverStream([]byte("Username:\n"), false)
	a.DeliverStream([]byte("Last login: yesterday\n"), false)

	if a.Username() != "carol" {
		t.Errorf("Expected typeahead username carol, got %q", a.Username())
	}
	if a.LoginState() != StateLoggedIn {
		t.Errorf("Expected state logged_in, got %v", a.LoginState())
	}
}

func TestExcessiveTypeaheadConfuses(t *testing.T) {
	a, events := newTestAnalyzer()

	for i := 0; i < maxUserText+1; i++ {
		a.DeliverStream([]byte(fmt.Sprintf("line %d\n", i)), true)
	}

	if a.LoginState() != StateConfused {
		t.Errorf("Expected state confused, got %v", a.LoginState())
	}
	if _, ok := lastEvent(*events, EventConfused); !ok {
		t.Error("Expected a confused event")
	}
}

func TestTooManyServerLinesConfuses(t *testing.T) {
	a, _ := newTestAnalyzer()

	for i := 0; i <= maxAuthenticateLines+1; i++ {
		a.DeliverStream([]byte(fmt.Sprintf("motd line %d\n", i)), false)
	}

	if a.LoginState() != StateConfused {
		t.Errorf("Expected state confused, got %v", a.LoginState())
	}
}

func TestGapConfuses(t *testing.T) {
	a, _ := newTestAnalyzer()

	a.DeliverStream([]byte("login:\n"), false)
	a.Undelivered(0, 100, true)

	if a.LoginState() != StateConfused {
		t.Errorf("Expected state confused after gap, got %v", a.LoginState())
	}
}

func TestPartialLineWaitsForTerminator(t *testing.T) {
	a, _ := newTestAnalyzer()

	a.DeliverStream([]byte("log"), false)
	a.DeliverStream([]byte("in:\n"), false)
	a.DeliverStream([]byte("dave\n"), true)
	a.DeliverStream([]byte("Welcome\n"), false)

	if a.Username() != "dave" {
		t.Errorf("Expected username dave from split prompt, got %q", a.Username())
	}
	if a.LoginState() != StateLoggedIn {
		t.Errorf("Expected state logged_in, got %v", a.LoginState())
	}
}

func TestLinesAfterLoginAreReported(t *testing.T) {
	a, events := newTestAnalyzer()

	a.DeliverStream([]byte("Welcome\n"), false)
	a.DeliverStream([]byte("ls -la\n"), true)
	a.DeliverStream([]byte("total 4\n"), false)

	if _, ok := lastEvent(*events, EventInputLine); !ok {
		t.Error("Expected an input line event after login")
	}
	if _, ok := lastEvent(*events, EventOutputLine); !ok {
		t.Error("Expected an output line event after login")
	}
}

func TestDoneFlushesPartialLine(t *testing.T) {
	a, events := newTestAnalyzer()

	a.DeliverStream([]byte("Welcome\n"), false)
	a.DeliverStream([]byte("exit"), true)
	a.Done()

	ev, ok := lastEvent(*events, EventInputLine)
	if !ok {
		t.Fatal("Expected input line event for unterminated final line")
	}
	if ev.Line != "exit" {
		t.Errorf("Expected final line %q, got %q", "exit", ev.Line)
	}
}
