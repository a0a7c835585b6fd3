package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loom-dev/loom/internal/config"
	"github.com/loom-dev/loom/internal/graph"
	"github.com/loom-dev/loom/internal/planparser"
	"github.com/loom-dev/loom/internal/stagestore"
)

var initCmd = &cobra.Command{
	Use:     "init [plan.md]",
	GroupID: GroupLifecycle,
	Short:   "Create .work/ and, optionally, load stages from a plan file",
	Args:    cobra.MaximumNArgs(1),
	RunE:    runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return withCode(ExitGeneralError, err)
	}
	workDir := filepath.Join(repoRoot, workDirFlag)

	cfg := config.Default(repoRoot, workDir)
	cfgPath := filepath.Join(workDir, "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		return withCode(ExitGeneralError, fmt.Errorf("writing config: %w", err))
	}

	if len(args) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", workDir)
		return nil
	}

	planText, err := os.ReadFile(args[0])
	if err != nil {
		return withCode(ExitInvalidUsage, fmt.Errorf("reading plan: %w", err))
	}
	doc, err := planparser.Parse(string(planText))
	if err != nil {
		return withCode(ExitInvalidUsage, fmt.Errorf("parsing plan: %w", err))
	}

	if _, err := graph.Build(doc.Stages); err != nil {
		return withCode(ExitInvalidUsage, fmt.Errorf("plan rejected: %w", err))
	}

	store := stagestore.New(filepath.Join(workDir, "stages"))
	for _, s := range doc.Stages {
		if err := store.Save(s); err != nil {
			return withCode(ExitGeneralError, fmt.Errorf("saving stage %s: %w", s.ID, err))
		}
	}

	for _, w := range doc.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s with %d stages from %s\n", workDir, len(doc.Stages), args[0])
	return nil
}
