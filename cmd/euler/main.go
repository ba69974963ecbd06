package main

import (
	"github.com/superboum/euler/cmd/euler/commands"
)

// Minimal entrypoint that delegates to the Cobra CLI defined in cmd/euler/commands.
func main() {
	commands.Execute()
}
