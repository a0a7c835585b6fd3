package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loom-dev/loom/internal/ipc"
)

var stageActions = []string{"complete", "block", "reset", "retry", "skip", "hold", "release"}

func init() {
	for _, action := range stageActions {
		action := action
		stageCmd.AddCommand(&cobra.Command{
			Use:   action + " <stage-id>",
			Short: fmt.Sprintf("Send the %s action to a stage", action),
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return sendStageAction(args[0], action)
			},
		})
	}
	rootCmd.AddCommand(stageCmd)
}

var stageCmd = &cobra.Command{
	Use:     "stage",
	GroupID: GroupStage,
	Short:   "Act on a single stage's lifecycle (complete, block, reset, retry, skip, hold, release)",
}

func sendStageAction(stageID, action string) error {
	workDir := filepath.Join(mustGetwd(), workDirFlag)
	c, err := dial(workDir)
	if err != nil {
		return withCode(ExitDaemonUnreach, err)
	}
	defer func() { _ = c.Close() }()

	_, err = c.Request(ipc.KindStageAction, ipc.StageActionPayload{StageID: stageID, Action: action})
	if err != nil {
		return withCode(ExitGeneralError, err)
	}
	fmt.Printf("%s: %s\n", stageID, action)
	return nil
}
