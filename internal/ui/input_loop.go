// Package ui implements C9: the interactive foreground. It owns the
// line-editing prompt and a background output-handler goroutine, grounded
// on cmd/picoclaw/main.go's interactiveMode (readline.NewEx with a history
// file, readline.ErrInterrupt/io.EOF handling) and spec.md §4.9's
// input/output-thread split.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/chzyer/readline"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/command"
	"github.com/gokr/niffler/internal/masterrt"
)

const historyFileName = ".niffler_history"

// InputLoop drives the master's read-eval-print loop. The input goroutine
// (Run) and the output goroutine started by the master's Listen do not
// share mutable buffers, per spec.md §4.9 — they only coordinate through
// the isProcessing flag, read here only to decorate the prompt.
type InputLoop struct {
	master  *masterrt.Master
	global  *command.Dispatcher
	cctx    *command.Context
	wait    bool
	out     io.Writer

	isProcessing atomic.Bool
}

// New builds an InputLoop. global may be nil if no global commands are
// registered. wait selects the single-shot §4.7 --wait behavior: each
// agentic request blocks for its final response instead of returning
// immediately to the prompt.
func New(master *masterrt.Master, global *command.Dispatcher, cctx *command.Context, wait bool, out io.Writer) *InputLoop {
	return &InputLoop{master: master, global: global, cctx: cctx, wait: wait, out: out}
}

// Run starts the background done-tracking subscription, reads lines until
// EOF/interrupt/"exit"/"quit", and dispatches each to the master. It
// returns when the user exits or ctx is cancelled.
func (l *InputLoop) Run(ctx context.Context, bus *busclient.Client) error {
	stopListen, err := l.master.Listen(ctx)
	if err != nil {
		return fmt.Errorf("ui: starting master listener: %w", err)
	}
	defer stopListen()

	stopTrack := l.trackProcessing(bus)
	defer stopTrack()

	historyPath := filepath.Join(os.TempDir(), historyFileName)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          l.prompt(),
		HistoryFile:     historyPath,
		HistoryLimit:    200,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("ui: initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(l.prompt())
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Fprintln(l.out, "goodbye")
				return nil
			}
			fmt.Fprintf(l.out, "error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Fprintln(l.out, "goodbye")
			return nil
		}

		l.dispatch(ctx, input)
	}
}

func (l *InputLoop) prompt() string {
	if l.isProcessing.Load() {
		return fmt.Sprintf("[%s busy] > ", l.master.CurrentAgent())
	}
	agent := l.master.CurrentAgent()
	if agent == "" {
		return "> "
	}
	return fmt.Sprintf("[%s] > ", agent)
}

// dispatch tries the global command registry first (spec.md §4.9's "detect
// and dispatch slash-commands locally"), then falls through to routing the
// input to an agent via the master.
func (l *InputLoop) dispatch(ctx context.Context, input string) {
	if l.global != nil {
		result := l.global.Dispatch(ctx, input, command.CategoryGlobal, l.cctx)
		switch result.Outcome {
		case command.OutcomeHandled:
			if result.Err != nil {
				fmt.Fprintf(l.out, "error: %v\n", result.Err)
			} else {
				fmt.Fprintln(l.out, result.Reply)
			}
			return
		case command.OutcomeRejected:
			fmt.Fprintln(l.out, result.Reply)
			return
		}
	}

	requestID, agent, err := l.master.HandleAgentRequest(input)
	if err != nil {
		fmt.Fprintf(l.out, "error: %v\n", err)
		return
	}

	if !l.wait {
		l.isProcessing.Store(true)
		return
	}

	content, err := l.master.WaitForResponse(ctx, requestID)
	if err != nil {
		fmt.Fprintf(l.out, "[%s] error: %v\n", agent, err)
		return
	}
	fmt.Fprintf(l.out, "[%s] %s\n", agent, content)
}

// trackProcessing subscribes independently of the master's own response
// listener purely to flip isProcessing back off once a request's final
// response arrives, so the prompt doesn't stay "busy" forever in
// fire-and-forget mode.
func (l *InputLoop) trackProcessing(bus *busclient.Client) func() {
	sub, err := bus.SubscribeResponses(func(r busclient.NatsResponse) {
		if r.Done {
			l.isProcessing.Store(false)
		}
	})
	if err != nil {
		return func() {}
	}
	return func() { sub.Unsubscribe() }
}
