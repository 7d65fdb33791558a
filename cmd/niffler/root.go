package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/command"
	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/masterrt"
	"github.com/gokr/niffler/internal/store"
	"github.com/gokr/niffler/internal/ui"
)

// cliFlags mirrors spec.md §6's minimum CLI surface plus the --config and
// --embedded additions needed to drive the two deployment shapes spec.md
// §2 names (bus-backed master/agent split, and a single-process shape with
// no external bus).
type cliFlags struct {
	configPath string
	natsURL    string
	agent      string
	model      string
	prompt     string
	wait       bool
	loglevel   string
	dump       bool
	dumpsse    bool
	logFile    string
	embedded   bool
	workspace  string
	restrict   bool
}

func newRootCmd() *cobra.Command {
	flags := &cliFlags{}

	root := &cobra.Command{
		Use:           "niffler",
		Short:         "Niffler multi-agent CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster(cmd.Context(), flags)
		},
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to the JSON config file")
	root.PersistentFlags().StringVar(&flags.natsURL, "nats-url", "", "override the configured NATS URL")
	root.PersistentFlags().StringVar(&flags.agent, "agent", "", "focused/default agent name")
	root.PersistentFlags().StringVar(&flags.model, "model", "", "model nickname override")
	root.PersistentFlags().StringVar(&flags.prompt, "prompt", "", "run one prompt non-interactively and exit")
	root.PersistentFlags().BoolVar(&flags.wait, "wait", false, "block for the final response on every request")
	root.PersistentFlags().StringVar(&flags.loglevel, "loglevel", "info", "debug|info|warn|error")
	root.PersistentFlags().BoolVar(&flags.dump, "dump", false, "log raw chat requests/responses at debug level")
	root.PersistentFlags().BoolVar(&flags.dumpsse, "dumpsse", false, "log raw SSE frames at debug level")
	root.PersistentFlags().StringVar(&flags.logFile, "log-file", "", "tee logs to this file")
	root.PersistentFlags().BoolVar(&flags.embedded, "embedded", false, "run an in-process NATS server instead of dialing one (single-process shape)")
	root.PersistentFlags().StringVar(&flags.workspace, "workspace", ".", "workspace root for filesystem tools")
	root.PersistentFlags().BoolVar(&flags.restrict, "restrict-fs", true, "confine filesystem tools to the workspace root")

	root.AddCommand(newAgentCmd(flags))
	root.AddCommand(newDoctorCmd(flags))
	root.AddCommand(newInitCmd(flags))

	return root
}

// applyLogging sets the package logger's level and optional file tee.
// --dump/--dumpsse force debug level: this repo's logger has one
// verbosity axis (no separate raw-frame sink), so "dump the raw
// request/SSE traffic" means "log it at debug", the same signal
// --debug gives the teacher's own CLI.
func applyLogging(flags *cliFlags, fileOverride string) error {
	level := flags.loglevel
	if flags.dump || flags.dumpsse {
		level = "debug"
	}
	logger.SetLevel(logger.ParseLevel(level))
	path := flags.logFile
	if path == "" {
		path = fileOverride
	}
	if path == "" {
		return nil
	}
	if err := logger.EnableFile(path); err != nil {
		return fmt.Errorf("niffler: enabling log file: %w", err)
	}
	return nil
}

func loadConfig(flags *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, &usageError{msg: err.Error()}
	}
	if flags.natsURL != "" {
		cfg.Bus.URL = flags.natsURL
	}
	if flags.agent != "" && cfg.Agents.DefaultAgent == "" {
		cfg.Agents.DefaultAgent = flags.agent
	}
	return cfg, nil
}

// runMaster implements the master deployment shape of spec.md §2: connect
// to the bus (or start an embedded one for the single-process shape),
// build C7's Master, and either run one --prompt non-interactively or hand
// off to the C9 input loop.
func runMaster(ctx context.Context, flags *cliFlags) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if err := applyLogging(flags, cfg.LogFile); err != nil {
		return err
	}

	if flags.embedded {
		srv := busclient.NewEmbeddedServer(0)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("niffler: starting embedded NATS server: %w", err)
		}
		cfg.Bus.URL = srv.ClientURL()
		defer srv.Stop()

		if flags.agent != "" {
			stopAgent, err := runEmbeddedAgent(ctx, cfg, flags)
			if err != nil {
				return err
			}
			defer stopAgent()
		}
	}

	bus, err := busclient.Connect(cfg.Bus.URL, time.Duration(cfg.Bus.PresenceTTL)*time.Second, cfg.Bus.ClientPrefix)
	if err != nil {
		logger.WarnCF("niffler", "bus unavailable, running master in local-only mode", map[string]any{"error": err.Error()})
	}
	if bus != nil {
		defer bus.Close()
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("niffler: opening store: %w", err)
	}
	defer st.Close()

	out := os.Stdout
	m := masterrt.New(bus, cfg.Agents.DefaultAgent, out)

	runCtx, cancel := signalContext(ctx)
	defer cancel()

	if flags.prompt != "" {
		return runOnePrompt(runCtx, m, flags.prompt)
	}

	if bus == nil {
		return fmt.Errorf("niffler: interactive mode requires a bus connection (pass --embedded for single-process mode)")
	}

	global := command.NewDispatcher(command.NewRegistry(command.GlobalDefinitions()))
	cctx := &command.Context{Store: st, Config: cfg}
	loop := ui.New(m, global, cctx, flags.wait, out)
	return loop.Run(runCtx, bus)
}

func runOnePrompt(ctx context.Context, m *masterrt.Master, prompt string) error {
	requestID, agent, err := m.HandleAgentRequest(prompt)
	if err != nil {
		return fmt.Errorf("niffler: %w", err)
	}
	content, err := m.WaitForResponse(ctx, requestID)
	if err != nil {
		return fmt.Errorf("niffler: waiting for %s's response: %w", agent, err)
	}
	fmt.Printf("[%s] %s\n", agent, content)
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
