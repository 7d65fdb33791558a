// Command niffler is the CLI entrypoint wiring every internal package
// together, grounded on cmd/picoclaw/main.go's one-function-per-subcommand
// style but rebuilt on cobra per spec.md §6's CLI surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to spec.md §6's exit codes: 0 success
// (unreachable here, Execute only returns non-nil on failure), 1
// agent/bus/config error, 2 invalid CLI usage.
func exitCodeFor(err error) int {
	if _, ok := err.(*usageError); ok {
		return 2
	}
	return 1
}

// usageError marks a CLI-argument-shaped failure so main can choose exit
// code 2 instead of the general-failure code 1.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }
