package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/parley-ai/parley/internal/capture"
	"github.com/parley-ai/parley/internal/history"
	"github.com/parley-ai/parley/internal/hotkey"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/voicecmd"
)

// stdinSource adapts terminal input into push-to-talk events. An empty line
// alternates between Pressed and Released, so hitting Enter twice brackets an
// utterance the way holding and releasing a hotkey would. Non-empty lines are
// forwarded on Lines for the command loop.
type stdinSource struct {
	chord  string
	events chan hotkey.Event
	lines  chan string
}

var _ hotkey.Source = (*stdinSource)(nil)

func newStdinSource(chord string) *stdinSource {
	return &stdinSource{
		chord:  chord,
		events: make(chan hotkey.Event),
		lines:  make(chan string),
	}
}

func (s *stdinSource) Events() <-chan hotkey.Event { return s.events }

func (s *stdinSource) Lines() <-chan string { return s.lines }

// read pumps stdin until EOF, then closes both channels.
func (s *stdinSource) read() {
	defer close(s.events)
	defer close(s.lines)

	pressed := false
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			kind := hotkey.Pressed
			if pressed {
				kind = hotkey.Released
			}
			pressed = !pressed
			s.events <- hotkey.Event{Kind: kind, Chord: s.chord}
			continue
		}
		s.lines <- line
	}
}

// repl is the interactive control surface: push-to-talk events drive the
// capture state machine and typed lines become commands or text turns.
type repl struct {
	orch   *session.Orchestrator
	src    *stdinSource
	filter *voicecmd.Filter
	hk     hotkey.Config
	log    *slog.Logger
}

func newREPL(orch *session.Orchestrator, hk hotkey.Config, log *slog.Logger) *repl {
	return &repl{
		orch:   orch,
		src:    newStdinSource(hk.Chord()),
		filter: voicecmd.New(),
		hk:     hk,
		log:    log,
	}
}

func (r *repl) run(ctx context.Context) {
	go r.src.read()

	updates, cancel := r.orch.Subscribe()
	defer cancel()

	r.printHelp()

	var lastState session.State
	for {
		select {
		case <-ctx.Done():
			return

		case u, ok := <-updates:
			if !ok {
				return
			}
			r.printUpdate(u, &lastState)

		case ev, ok := <-r.src.Events():
			if !ok {
				return
			}
			r.handleHotkey(ctx, ev)

		case line, ok := <-r.src.Lines():
			if !ok {
				return
			}
			if r.handleLine(ctx, line) {
				return
			}
		}
	}
}

func (r *repl) handleHotkey(ctx context.Context, ev hotkey.Event) {
	switch ev.Kind {
	case hotkey.Pressed:
		if err := r.orch.BeginCapture(ctx, capture.PushToTalk); err != nil {
			r.report(err)
		}
	case hotkey.Released:
		if err := r.orch.EndCapture(ctx); err != nil && !errors.Is(err, capture.ErrNotCapturing) {
			r.report(err)
		}
	}
}

// handleLine executes a typed command. It returns true when the session
// should quit.
func (r *repl) handleLine(ctx context.Context, line string) bool {
	switch line {
	case "/quit", "/exit":
		return true

	case "/help":
		r.printHelp()

	case "/listen":
		if err := r.orch.BeginCapture(ctx, capture.Continuous); err != nil {
			r.report(err)
		}

	case "/cancel":
		// Cancel whatever is in flight: a live capture is discarded, a
		// streaming reply or playback is abandoned.
		if r.orch.State() == session.StateCapturing {
			if err := r.orch.CancelCapture(ctx); err != nil {
				r.report(err)
			}
			return false
		}
		r.orch.Abandon()

	case "/clear":
		if err := r.orch.ClearHistory(); err != nil {
			r.report(err)
		} else {
			fmt.Println("history cleared")
		}

	case "/dismiss":
		r.orch.DismissError()

	case "/history":
		for _, t := range r.orch.History() {
			fmt.Printf("%s [%s] %s\n", t.Timestamp.Format("15:04:05"), t.Role, t.Content)
		}

	default:
		if strings.HasPrefix(line, "/") {
			fmt.Printf("unknown command %q — try /help\n", line)
			return false
		}
		// Typed text goes through the same spoken-command filter as voice.
		if r.filter.IsClearHistory(line) {
			if err := r.orch.ClearHistory(); err != nil {
				r.report(err)
			} else {
				fmt.Println("history cleared")
			}
			return false
		}
		if err := r.orch.SubmitText(ctx, line); err != nil {
			r.report(err)
		}
	}
	return false
}

func (r *repl) printUpdate(u session.Update, lastState *session.State) {
	if u.State != *lastState {
		*lastState = u.State
		fmt.Printf("· %s\n", u.State)
	}
	if u.State == session.StateStreamingReply && u.PartialText != "" {
		fmt.Printf("\r%s", u.PartialText)
	}
	if u.State == session.StateIdle {
		if turns := r.orch.History(); len(turns) > 0 {
			last := turns[len(turns)-1]
			if last.Role == history.RoleAssistant {
				fmt.Printf("\n%s\n", last.Content)
			}
		}
		if u.LastError != nil {
			fmt.Printf("! %s: %s\n", u.LastError.Kind, u.LastError.Message)
		}
	}
}

func (r *repl) printHelp() {
	label := "Enter"
	if r.hk.Key != "" {
		label = r.hk.DisplayLabel()
	}
	fmt.Printf("push-to-talk: %s (empty line toggles) — type text to chat\n", label)
	fmt.Println("commands: /listen /cancel /clear /dismiss /history /help /quit")
}

func (r *repl) report(err error) {
	if errors.Is(err, session.ErrSessionBusy) {
		fmt.Println("busy — wait for the current turn or /cancel it")
		return
	}
	r.log.Warn("command failed", "err", err)
}
