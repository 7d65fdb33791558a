package agentrt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRoutesSafeQuickCommands(t *testing.T) {
	for _, input := range []string{"/info", "/context", "/inspect", "/model"} {
		require.Equal(t, ClassSafeQuick, Classify(input), input)
	}
}

func TestClassifyRoutesDisruptiveCommands(t *testing.T) {
	for _, input := range []string{"/new", "/conv 3", "/condense", "/plan", "/code", "/model sonnet"} {
		require.Equal(t, ClassDisruptive, Classify(input), input)
	}
}

func TestClassifyRoutesPlainTextAndUnknownCommandsAsAgentic(t *testing.T) {
	for _, input := range []string{"write a poem about go channels", "/task refactor the parser", "/bogus"} {
		require.Equal(t, ClassAgentic, Classify(input), input)
	}
}

func TestParseCommandSplitsNameAndRemainder(t *testing.T) {
	name, rest, ok := parseCommand("/conv 42")
	require.True(t, ok)
	require.Equal(t, "conv", name)
	require.Equal(t, "42", rest)
}

func TestParseCommandRejectsNonSlashInput(t *testing.T) {
	_, _, ok := parseCommand("hello")
	require.False(t, ok)
}
