package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loom-dev/loom/internal/ipc"
)

var mergeCmd = &cobra.Command{
	Use:     "merge <stage-id>",
	GroupID: GroupStage,
	Short:   "Re-attempt a blocked stage's merge after resolving conflicts by hand",
	Args:    cobra.ExactArgs(1),
	RunE:    runMerge,
}

func init() {
	rootCmd.AddCommand(mergeCmd)
}

func runMerge(cmd *cobra.Command, args []string) error {
	workDir := filepath.Join(mustGetwd(), workDirFlag)
	c, err := dial(workDir)
	if err != nil {
		return withCode(ExitDaemonUnreach, err)
	}
	defer func() { _ = c.Close() }()

	if _, err := c.Request(ipc.KindMerge, ipc.MergePayload{StageID: args[0]}); err != nil {
		return withCode(ExitGeneralError, err)
	}
	fmt.Printf("%s: merge retry requested\n", args[0])
	return nil
}
