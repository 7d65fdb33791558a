// Package masterrt implements C7: the master runtime. It owns the bus
// client, tracks a defaultAgent/currentAgent pair, parses "@agent rest"
// targeting out of user input, and runs a background listener goroutine
// that streams NatsResponse/NatsStatusUpdate traffic to the terminal.
// "@agent" parsing is grounded on the teacher's
// pkg/commands/dispatcher.go's parseCommandName, whose "/cmd@botname"
// suffix-stripping convention generalizes here to a leading "@agent"
// prefix token. The listener goroutine is this runtime's own dedicated
// thread per spec.md §5's "parallel OS threads" model, mirrored on the
// teacher's one-goroutine-per-responsibility shape.
package masterrt

import (
	"context"
	"crypto/rand"
	"fmt"
	"hash/fnv"
	"io"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/nifflerrors"
)

// palette is the fixed set of colors the listener cycles through, chosen
// deterministically by a hash of the agent name so one agent always
// renders in the same color for the life of a session.
var palette = []color.Color{
	color.FgCyan, color.FgGreen, color.FgYellow, color.FgMagenta, color.FgBlue, color.FgRed,
}

func colorFor(agent string) color.Color {
	h := fnv.New32a()
	h.Write([]byte(agent))
	return palette[h.Sum32()%uint32(len(palette))]
}

// ErrNoTarget is returned by HandleAgentRequest when input carries no
// explicit "@agent" and neither currentAgent nor defaultAgent is set.
var ErrNoTarget = fmt.Errorf("no agent focused: use @<agent> to target one")

// Master is C7. It keeps no per-conversation state of its own — that
// lives in C2, reached indirectly through whichever agent runtime it
// talks to over C5.
type Master struct {
	bus          *busclient.Client
	defaultAgent string
	out          io.Writer

	mu           sync.Mutex
	currentAgent string
}

// New builds a Master. out receives the listener's terminal output; a nil
// out defaults to os.Stdout.
func New(bus *busclient.Client, defaultAgent string, out io.Writer) *Master {
	if out == nil {
		out = os.Stdout
	}
	return &Master{bus: bus, defaultAgent: defaultAgent, out: out}
}

// CurrentAgent returns the agent focused by the last successful explicit
// "@agent" request; it is empty until then, even when a default agent is
// configured.
func (m *Master) CurrentAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentAgent
}

// parseAgentTarget implements spec.md §4.7 step 1: a leading "@agent"
// token followed by a space and the remainder. Input with no leading "@"
// returns explicit=false so the caller falls back to
// currentAgent/defaultAgent.
func parseAgentTarget(input string) (agent, rest string, explicit bool) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "@") {
		return "", trimmed, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", trimmed, false
	}
	agent = strings.TrimPrefix(fields[0], "@")
	if agent == "" {
		return "", trimmed, false
	}
	rest = strings.TrimSpace(strings.TrimPrefix(trimmed, fields[0]))
	return agent, rest, true
}

// HandleAgentRequest implements spec.md §4.7's handleAgentRequest: resolve
// the target agent, verify bus presence, and fire-and-forget publish a
// NatsRequest. It returns the generated requestId and resolved agent name
// on success so the caller (the CLI's --wait mode, or the UI loop) can
// demultiplex the response stream.
func (m *Master) HandleAgentRequest(input string) (requestID, targetAgent string, err error) {
	agent, rest, explicit := parseAgentTarget(input)
	if !explicit {
		m.mu.Lock()
		agent = m.currentAgent
		m.mu.Unlock()
		if agent == "" {
			agent = m.defaultAgent
		}
		if agent == "" {
			return "", "", ErrNoTarget
		}
	}

	if m.bus == nil {
		return "", agent, fmt.Errorf("masterrt: %w", nifflerrors.ErrBusUnavailable)
	}
	present, err := m.bus.IsPresent(agent)
	if err != nil {
		return "", agent, fmt.Errorf("masterrt: checking presence: %w", err)
	}
	if !present {
		available, _ := m.bus.ListPresent()
		return "", agent, fmt.Errorf("%w: %s (available: %s)", nifflerrors.ErrAgentUnavailable, agent, strings.Join(available, ", "))
	}

	if explicit {
		m.mu.Lock()
		m.currentAgent = agent
		m.mu.Unlock()
	}

	requestID = newRequestID()
	if err := m.bus.PublishRequest(agent, busclient.NatsRequest{RequestID: requestID, AgentName: agent, Input: rest}); err != nil {
		return "", agent, fmt.Errorf("masterrt: publishing request: %w", err)
	}
	return requestID, agent, nil
}

// newRequestID builds a requestId per spec.md §4.7's "<unix>-<rand6>".
func newRequestID() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		n = big.NewInt(0)
	}
	return fmt.Sprintf("%d-%06d", time.Now().Unix(), n.Int64())
}

// Listen starts the background listener thread: subscribe to the shared
// response and status subjects and write every event to the terminal,
// demultiplexed and colored by agent name (spec.md §4.7). The returned
// func unsubscribes both; it is also called automatically when ctx is
// cancelled.
func (m *Master) Listen(ctx context.Context) (func(), error) {
	respSub, err := m.bus.SubscribeResponses(m.writeResponse)
	if err != nil {
		return nil, fmt.Errorf("masterrt: subscribing responses: %w", err)
	}
	statusSub, err := m.bus.SubscribeStatus(m.writeStatus)
	if err != nil {
		respSub.Unsubscribe()
		return nil, fmt.Errorf("masterrt: subscribing status: %w", err)
	}

	stop := func() {
		respSub.Unsubscribe()
		statusSub.Unsubscribe()
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

// writeResponse renders one streamed NatsResponse chunk, converting
// embedded LF to CRLF per spec.md §4.7 so output survives raw-mode
// terminals the readline-driven UI loop may have put the tty into.
func (m *Master) writeResponse(r busclient.NatsResponse) {
	text := strings.ReplaceAll(r.Content, "\n", "\r\n")
	label := colorFor(r.AgentName).Sprintf("[%s]", r.AgentName)
	fmt.Fprintf(m.out, "\r%s %s", label, text)
	if r.Done {
		fmt.Fprint(m.out, "\r\n")
	}
}

func (m *Master) writeStatus(s busclient.NatsStatusUpdate) {
	label := colorFor(s.AgentName).Sprintf("[%s]", s.AgentName)
	fmt.Fprintf(m.out, "\r%s %s\r\n", label, s.Status)
}

// WaitForResponse implements spec.md §4.7's single-shot "--wait" mode:
// block until a done=true NatsResponse for requestID arrives or ctx
// expires, returning that done=true response's content. Each streamed
// response already carries the accumulated text (see
// agentrt.runAskMode), so the done response's content is the whole answer;
// if ctx expires first, the last content seen is returned with ctx's error.
func (m *Master) WaitForResponse(ctx context.Context, requestID string) (string, error) {
	results := make(chan busclient.NatsResponse, 16)
	sub, err := m.bus.SubscribeResponses(func(r busclient.NatsResponse) {
		if r.RequestID == requestID {
			results <- r
		}
	})
	if err != nil {
		return "", fmt.Errorf("masterrt: subscribing for --wait: %w", err)
	}
	defer sub.Unsubscribe()

	var final string
	for {
		select {
		case <-ctx.Done():
			return final, ctx.Err()
		case r := <-results:
			final = r.Content
			if r.Done {
				return final, nil
			}
		}
	}
}
