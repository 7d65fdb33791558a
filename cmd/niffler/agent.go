package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gokr/niffler/internal/agentrt"
	"github.com/gokr/niffler/internal/busclient"
	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/logger"
	"github.com/gokr/niffler/internal/store"
	"github.com/gokr/niffler/internal/toolworker"
)

func newAgentCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run a headless agent process (C6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if err := applyLogging(flags, cfg.LogFile); err != nil {
				return err
			}
			if flags.agent == "" {
				return &usageError{msg: "niffler agent: --agent <name> is required"}
			}

			bus, err := busclient.Connect(cfg.Bus.URL, time.Duration(cfg.Bus.PresenceTTL)*time.Second, cfg.Bus.ClientPrefix)
			if err != nil {
				return fmt.Errorf("niffler agent: %w", err)
			}
			defer bus.Close()

			st, err := store.Open(cfg.Store.Path)
			if err != nil {
				return fmt.Errorf("niffler agent: opening store: %w", err)
			}
			defer st.Close()

			rt, err := buildRuntime(cfg, flags, st, bus)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			rt.Start()
			defer rt.Stop()
			logger.InfoCF("niffler", "agent runtime started", map[string]any{"agent": flags.agent})
			return rt.Run(ctx)
		},
	}
}

// buildRuntime loads the named agent's definition and model profile and
// wires a ready-to-Start agentrt.Runtime, shared by the headless `agent`
// subcommand and the embedded single-process shape in root.go.
func buildRuntime(cfg *config.Config, flags *cliFlags, st *store.Store, bus *busclient.Client) (*agentrt.Runtime, error) {
	defPath, ok := cfg.AgentDefinitionPath(flags.agent)
	if !ok {
		return nil, &usageError{msg: fmt.Sprintf("niffler agent: no definition file found for %q in %v", flags.agent, cfg.Agents.DefinitionDirs)}
	}
	def, err := agentrt.LoadDefinition(defPath)
	if err != nil {
		return nil, fmt.Errorf("niffler agent: loading definition: %w", err)
	}

	nickname := flags.model
	if nickname == "" {
		nickname = def.Model
	}
	var profile config.ModelProfile
	if nickname != "" {
		p, ok := cfg.ModelByNickname(nickname)
		if !ok {
			return nil, &usageError{msg: fmt.Sprintf("niffler agent: unknown model nickname %q", nickname)}
		}
		profile = p
	} else if len(cfg.Models) > 0 {
		profile = cfg.Models[0]
	} else {
		return nil, &usageError{msg: "niffler agent: no model profiles configured"}
	}

	registry := toolworker.NewRegistry()
	toolworker.RegisterFilesystemTools(registry, flags.workspace, flags.restrict)

	rt, err := agentrt.New(def, cfg, profile, st, bus, registry, flags.workspace)
	if err != nil {
		return nil, fmt.Errorf("niffler agent: %w", err)
	}
	return rt, nil
}

// runEmbeddedAgent starts one agent runtime in-process against the
// just-started embedded bus, implementing spec.md §2's single-process
// shape ("runs the UI, API worker, and tool worker in one process,
// skipping the master/agent split") by reusing the bus-backed C6/C7 split
// over a loopback NATS server rather than a separate no-bus code path.
func runEmbeddedAgent(ctx context.Context, cfg *config.Config, flags *cliFlags) (stop func(), err error) {
	bus, err := busclient.Connect(cfg.Bus.URL, time.Duration(cfg.Bus.PresenceTTL)*time.Second, cfg.Bus.ClientPrefix)
	if err != nil {
		return nil, fmt.Errorf("niffler: connecting embedded agent to bus: %w", err)
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = ":memory:"
	}
	st, err := store.Open(storePath)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("niffler: opening embedded agent store: %w", err)
	}

	rt, err := buildRuntime(cfg, flags, st, bus)
	if err != nil {
		st.Close()
		bus.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt.Start()
	go func() {
		_ = rt.Run(runCtx)
	}()

	return func() {
		cancel()
		rt.Stop()
		st.Close()
		bus.Close()
	}, nil
}
