// Package main is the entry point for the crew CLI. The same binary serves
// as the operator CLI, the orchestrator daemon (crew serve), an agent
// process (crew agent), and the chat bridge (crew bridge).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "crew: %v\n", err)
		os.Exit(1)
	}
}
