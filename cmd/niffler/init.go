package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gokr/niffler/internal/config"
)

const sampleAgentDefinition = `---
name: coder
description: General-purpose coding assistant
model: sonnet
allowed_tools:
  - read_file
  - create_file
  - edit_file
  - list_dir
---

# Common System Prompt

You are coder, a focused software engineering assistant. Prefer small,
correct changes over broad rewrites.

# Plan Mode Prompt

You are in plan mode. Describe the change you would make; do not write to
any file, even via a tool call.

# Code Mode Prompt

You are in code mode. Make the change directly using the available tools.
`

func newInitCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file and a sample agent definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				path = "niffler.json"
			}

			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("niffler init: %s already exists", path)
			}

			cfg := config.Default()
			if err := config.SaveConfig(path, cfg); err != nil {
				return fmt.Errorf("niffler init: %w", err)
			}

			agentDir := cfg.Agents.DefinitionDirs[0]
			if err := os.MkdirAll(agentDir, 0o755); err != nil {
				return fmt.Errorf("niffler init: creating %s: %w", agentDir, err)
			}
			samplePath := filepath.Join(agentDir, "coder.md")
			if _, err := os.Stat(samplePath); os.IsNotExist(err) {
				if err := os.WriteFile(samplePath, []byte(sampleAgentDefinition), 0o644); err != nil {
					return fmt.Errorf("niffler init: writing %s: %w", samplePath, err)
				}
			}

			fmt.Printf("niffler is ready!\n\n")
			fmt.Printf("Config:  %s\n", path)
			fmt.Printf("Agent:   %s\n", samplePath)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. export ANTHROPIC_API_KEY=...")
			fmt.Println("  2. niffler --embedded --agent coder --prompt \"hello\"")
			return nil
		},
	}
}
