// Package cmd implements Loom's CLI surface: one cobra command per
// spec.md §6 operation (init, run, status, stage, merge, knowledge),
// talking to the DaemonServer over its local socket via the ipc package.
// Grounded on the teacher's internal/cmd package idiom: one file per
// subcommand, a package-level `var xCmd = &cobra.Command{...}`, flags
// bound in that file's own init(), registered onto rootCmd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes, per spec.md §6's universal scheme: 0 success, 1 user error
// (bad id, bad plan), 2 system error (io, socket), 3 conflict.
const (
	ExitOK            = 0
	ExitInvalidUsage  = 1
	ExitGeneralError  = 2
	ExitDaemonUnreach = 2
)

// Command groups, shown as headings in `loom --help`.
const (
	GroupLifecycle = "lifecycle"
	GroupStage     = "stage"
)

var rootCmd = &cobra.Command{
	Use:           "loom",
	Short:         "Orchestrate long-running coding agents across a stage dependency graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var workDirFlag string

func init() {
	rootCmd.PersistentFlags().StringVar(&workDirFlag, "work-dir", ".work", "path to Loom's state directory")
	rootCmd.AddGroup(
		&cobra.Group{ID: GroupLifecycle, Title: "Lifecycle commands:"},
		&cobra.Group{ID: GroupStage, Title: "Stage commands:"},
	)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loom:", err)
		if code, ok := err.(exitCoder); ok {
			return code.ExitCode()
		}
		return ExitGeneralError
	}
	return ExitOK
}

// exitCoder lets a subcommand's error carry a specific exit code instead
// of the generic ExitGeneralError.
type exitCoder interface {
	error
	ExitCode() int
}

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) ExitCode() int { return e.code }
func (e *codedError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: err}
}
