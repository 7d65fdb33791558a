// Package command implements C8: the command & mode-state layer. It
// registers named slash-commands with a description/usage/alias set and a
// category distinguishing global (master-only) from agent (agent-context)
// commands, per spec.md §4.8. Registry/Definition/Dispatcher are grounded
// on the teacher's pkg/commands (registry.go's channel-based filtering
// generalized to category-based filtering, executor.go's three-outcome
// dispatch kept as-is).
package command

import (
	"context"
	"fmt"
	"strings"

	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/store"
)

// Category distinguishes where a command is legal to run, per spec.md
// §4.8: global commands run only in the master; agent commands run in
// agent context (and are routed there by the master like any other input
// when invoked from master mode).
type Category string

const (
	CategoryGlobal Category = "global"
	CategoryAgent  Category = "agent"
)

// Context is the state a handler may read or mutate. Conversation holds
// the agent's or master's active conversation, nil until first use.
type Context struct {
	Store        *store.Store
	Config       *config.Config
	AgentName    string
	Args         string
	Conversation *store.Conversation

	// SetConversation is invoked by handlers that create or switch the
	// active conversation (/new, /conv <id>, /plan, /code), so the owning
	// runtime can track the new current conversation.
	SetConversation func(*store.Conversation)

	// SetModelNickname is invoked by /model <nickname> to switch the
	// profile the owning runtime's API worker should use next turn.
	SetModelNickname func(string)
}

// Handler executes one command and returns the text to publish back.
type Handler func(ctx context.Context, cctx *Context) (string, error)

// Definition is one registered command.
type Definition struct {
	Name        string
	Description string
	Usage       string
	Aliases     []string
	Category    Category
	Handler     Handler
}

// Registry holds every registered command definition.
type Registry struct {
	defs []Definition
}

func NewRegistry(defs []Definition) *Registry {
	return &Registry{defs: defs}
}

func (r *Registry) All() []Definition { return r.defs }

func (r *Registry) lookup(name string) (Definition, bool) {
	for _, d := range r.defs {
		if d.Name == name || contains(d.Aliases, name) {
			return d, true
		}
	}
	return Definition{}, false
}

func contains(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}

// Outcome mirrors the teacher's three-way executor result.
type Outcome int

const (
	OutcomePassthrough Outcome = iota
	OutcomeHandled
	OutcomeRejected
)

type Result struct {
	Outcome Outcome
	Command string
	Reply   string
	Err     error
}

// Dispatcher parses a leading "/name args..." token and runs the matching
// definition's handler, if any.
type Dispatcher struct {
	reg *Registry
}

func NewDispatcher(reg *Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Dispatch parses input and, on a recognized command name, runs its
// handler against cctx. A command with the wrong category for the caller
// (e.g. a global-only command invoked from agent context) is rejected
// with an explanatory reply rather than silently ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, input string, callerCategory Category, cctx *Context) Result {
	name, args, ok := ParseCommandName(input)
	if !ok {
		return Result{Outcome: OutcomePassthrough}
	}
	def, ok := d.reg.lookup(name)
	if !ok {
		return Result{Outcome: OutcomePassthrough, Command: name}
	}
	if def.Category != callerCategory {
		return Result{
			Outcome: OutcomeRejected,
			Command: def.Name,
			Reply:   fmt.Sprintf("/%s is a %s command and cannot run here", def.Name, def.Category),
		}
	}
	cctx.Args = args
	reply, err := def.Handler(ctx, cctx)
	return Result{Outcome: OutcomeHandled, Command: def.Name, Reply: reply, Err: err}
}

// ParseCommandName splits a leading "/name rest..." token from input,
// following the teacher's pkg/commands.parseCommandName.
func ParseCommandName(input string) (name, rest string, ok bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", "", false
	}
	name = strings.TrimPrefix(fields[0], "/")
	if name == "" {
		return "", "", false
	}
	rest = strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
	return name, rest, true
}
