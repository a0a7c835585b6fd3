package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loom-dev/loom/internal/config"
	"github.com/loom-dev/loom/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: GroupLifecycle,
	Short:   "Start the Loom daemon in the foreground",
	Args:    cobra.NoArgs,
	RunE:    runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return withCode(ExitGeneralError, err)
	}
	workDir := filepath.Join(repoRoot, workDirFlag)

	cfgPath := filepath.Join(workDir, "config.json")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return withCode(ExitInvalidUsage, fmt.Errorf("loading config (run `loom init` first): %w", err))
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return withCode(ExitGeneralError, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Run(ctx); err != nil {
		return withCode(ExitGeneralError, err)
	}
	return nil
}
