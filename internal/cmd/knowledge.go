package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
)

// knowledgeCmd manages project-level knowledge docs under .work/knowledge/,
// which the daemon folds into a stage's context snapshot. `knowledge update`
// is for merge and recovery sessions only — an implementation stage's
// signal never asks its agent to run it, since mid-implementation
// knowledge edits would race the next stage's context snapshot.
var knowledgeCmd = &cobra.Command{
	Use:     "knowledge",
	GroupID: GroupStage,
	Short:   "Manage project knowledge docs folded into stage context snapshots",
}

var knowledgeUpdateCmd = &cobra.Command{
	Use:   "update <title> <file>",
	Short: "Add or replace a knowledge doc from a file's contents",
	Args:  cobra.ExactArgs(2),
	RunE:  runKnowledgeUpdate,
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

func init() {
	knowledgeCmd.AddCommand(knowledgeUpdateCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

func runKnowledgeUpdate(cmd *cobra.Command, args []string) error {
	title, srcPath := args[0], args[1]
	content, err := os.ReadFile(srcPath)
	if err != nil {
		return withCode(ExitInvalidUsage, fmt.Errorf("reading %s: %w", srcPath, err))
	}

	knowledgeDir := filepath.Join(mustGetwd(), workDirFlag, "knowledge")
	if err := os.MkdirAll(knowledgeDir, 0755); err != nil {
		return withCode(ExitGeneralError, err)
	}

	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(title), "-"), "-")
	destPath := filepath.Join(knowledgeDir, slug+".md")
	if err := os.WriteFile(destPath, content, 0644); err != nil {
		return withCode(ExitGeneralError, err)
	}

	fmt.Printf("knowledge doc %q updated at %s\n", title, destPath)
	return nil
}
