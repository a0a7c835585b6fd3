// Command loom orchestrates long-running AI coding agents across a stage
// dependency graph, each isolated in its own git worktree.
package main

import (
	"os"

	"github.com/loom-dev/loom/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
