// Package console is a line-oriented terminal front end for calls.
//
// It reads slash commands from an input stream and prints state changes,
// status lines and new transcript entries as they happen:
//
//	/call [agent]  start a call (default agent when omitted)
//	/mute          stop sending microphone audio
//	/unmute        resume sending microphone audio
//	/end           hang up
//	/transcript    print the transcript so far
//	/status        print the current state
//	/quit          hang up and exit
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/supportvoice/internal/call"
	"github.com/MrWong99/supportvoice/internal/transcript"
)

// Calls is the call surface the console drives.
type Calls interface {
	StartCall(ctx context.Context, agentID string) error
	EndCall()
	SetMuted(muted bool)
	Snapshot() call.Snapshot
	OnChange(fn func(call.Snapshot))
}

// Console reads commands from an input and reports on an output.
type Console struct {
	calls Calls
	in    io.Reader

	mu      sync.Mutex
	out     io.Writer
	last    call.Snapshot
	printed int
}

// New returns a Console over calls. Output written by the console is
// serialised; in is read by a single goroutine.
func New(calls Calls, in io.Reader, out io.Writer) *Console {
	c := &Console{calls: calls, in: in, out: out, last: calls.Snapshot()}
	c.printed = len(c.last.Transcripts)
	calls.OnChange(c.report)
	return c
}

// Run processes commands until /quit, end of input or ctx cancellation. It
// returns nil in all three cases; the current call is ended on /quit and on
// end of input.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	c.printf("Type /call to start a call, /quit to exit.\n")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			c.calls.EndCall()
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("console: read input: %w", err)
			}
			return nil
		case line := <-lines:
			if quit := c.exec(ctx, line); quit {
				c.calls.EndCall()
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the console should exit.
func (c *Console) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "/call":
		agent := ""
		if len(args) > 0 {
			agent = args[0]
		}
		if err := c.calls.StartCall(ctx, agent); err != nil {
			if errors.Is(err, call.ErrCallActive) {
				c.printf("A call is already in progress.\n")
			} else {
				c.printf("Cannot start call: %v\n", err)
			}
		}
	case "/mute":
		c.calls.SetMuted(true)
		c.printf("Microphone muted.\n")
	case "/unmute":
		c.calls.SetMuted(false)
		c.printf("Microphone live.\n")
	case "/end":
		c.calls.EndCall()
	case "/transcript":
		c.printTranscript(c.calls.Snapshot().Transcripts)
	case "/status":
		c.printStatus(c.calls.Snapshot())
	case "/quit", "/exit":
		return true
	case "/help":
		c.printf("Commands: /call [agent], /mute, /unmute, /end, /transcript, /status, /quit\n")
	default:
		c.printf("Unknown command %q. Type /help for the list.\n", cmd)
	}
	return false
}

// report prints what changed between the previous and the current snapshot.
func (c *Console) report(s call.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.State != c.last.State {
		fmt.Fprintf(c.out, "[%s]\n", s.Label)
	}
	if s.Status != "" && s.Status != c.last.Status {
		fmt.Fprintf(c.out, "! %s\n", s.Status)
	}
	if len(s.Transcripts) < c.printed {
		c.printed = 0
	}
	for _, e := range s.Transcripts[c.printed:] {
		fmt.Fprintln(c.out, formatEntry(e))
	}
	c.printed = len(s.Transcripts)
	c.last = s
}

func (c *Console) printStatus(s call.Snapshot) {
	mic := "live"
	if s.Muted {
		mic = "muted"
	}
	c.printf("State: %s  Mic: %s", s.Label, mic)
	if s.SampleRate > 0 && s.State.Active() {
		c.printf("  Rate: %d Hz", s.SampleRate)
	}
	c.printf("\n")
	if s.Status != "" {
		c.printf("Status: %s\n", s.Status)
	}
}

func (c *Console) printTranscript(entries []transcript.Entry) {
	if len(entries) == 0 {
		c.printf("(no transcript yet)\n")
		return
	}
	for _, e := range entries {
		c.printf("%s\n", formatEntry(e))
	}
}

func formatEntry(e transcript.Entry) string {
	who := "Agent"
	if e.Role == transcript.RoleUser {
		who = "You"
	}
	return fmt.Sprintf("%s %s: %s", e.At.Format("15:04:05"), who, e.Text)
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
