package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExitCodeForUsageErrorIsTwo(t *testing.T) {
	require.Equal(t, 2, exitCodeFor(&usageError{msg: "bad flag"}))
}

func TestExitCodeForOtherErrorIsOne(t *testing.T) {
	require.Equal(t, 1, exitCodeFor(errors.New("boom")))
}

func TestNewRootCmdRegistersExpectedFlags(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"config", "nats-url", "agent", "model", "prompt", "wait", "loglevel", "dump", "dumpsse", "log-file", "embedded"} {
		require.NotNil(t, root.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["agent"])
	require.True(t, names["doctor"])
	require.True(t, names["init"])
}
