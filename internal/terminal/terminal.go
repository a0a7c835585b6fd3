// Package terminal implements TerminalDriver: spawning one tmux session
// per stage, closing it by title (preferred) or PID (fallback), and
// liveness checks. Adapted from the teacher's internal/tmux/tmux.go
// wrapper, re-keyed from per-role session names to per-stage session
// names.
package terminal

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("tmux session already exists")
	ErrSessionNotFound = errors.New("tmux session not found")
)

// Handle is the opaque identifier TerminalDriver hands back to callers;
// for the tmux driver it is the session name itself.
type Handle string

// Driver spawns and manages one tmux session per stage.
type Driver struct{}

func New() *Driver { return &Driver{} }

func (d *Driver) run(args ...string) (string, error) {
	allArgs := append([]string{"-u"}, args...) // -u: UTF-8 regardless of locale
	cmd := exec.Command("tmux", allArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		return "", d.wrapError(err, stderr.String(), args)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (d *Driver) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)
	switch {
	case strings.Contains(stderr, "no server running"), strings.Contains(stderr, "error connecting to"):
		return ErrNoServer
	case strings.Contains(stderr, "duplicate session"):
		return ErrSessionExists
	case strings.Contains(stderr, "session not found"), strings.Contains(stderr, "can't find session"):
		return ErrSessionNotFound
	}
	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// Spawn starts the agent command for a stage in a new detached tmux
// session, with env vars set via -e flags so the pane's initial shell
// inherits them before it starts (rather than via a racy SendKeys after
// the fact — the same NewSessionWithCommandAndEnv rationale the teacher
// documents).
func (d *Driver) Spawn(sessionName, workDir, command string, env map[string]string) (Handle, error) {
	args := []string{"new-session", "-d", "-s", sessionName}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	args = append(args, command)
	if _, err := d.run(args...); err != nil {
		return "", err
	}
	return Handle(sessionName), nil
}

// HasSession reports whether a tmux session with this name currently exists.
func (d *Driver) HasSession(sessionName string) (bool, error) {
	_, err := d.run("has-session", "-t", sessionName)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	return false, err
}

// IsAlive reports whether the handle's session exists and is running the
// agent (not merely that tmux has a session with that name — an exited
// agent can leave a shell idling in its pane).
func (d *Driver) IsAlive(handle Handle) bool {
	has, err := d.HasSession(string(handle))
	if err != nil || !has {
		return false
	}
	cmd, err := d.run("display-message", "-p", "-t", string(handle), "#{pane_current_command}")
	if err != nil {
		return false
	}
	return cmd != "" && !strings.HasSuffix(cmd, "sh")
}

// CloseByTitle terminates a stage's session by name match, the preferred
// termination path: killing by PID can take down sibling windows sharing
// a process group in multi-window terminals, whereas a title-addressed
// kill-session only ever touches the one session.
func (d *Driver) CloseByTitle(sessionName string) error {
	_, err := d.run("kill-session", "-t", sessionName)
	if err != nil && errors.Is(err, ErrSessionNotFound) {
		return nil // already gone
	}
	return err
}

// ClosePID is the fallback path used only when title-based closing is
// unavailable (e.g. the terminal multiplexer is not tmux and exposes no
// named-session concept).
func ClosePID(pid int) error {
	return exec.Command("kill", fmt.Sprintf("%d", pid)).Run()
}

// SetEnvironment sets a session-level environment variable after the
// session already exists. Nothing in this module calls it.
func (d *Driver) SetEnvironment(sessionName, key, value string) error {
	_, err := d.run("set-environment", "-t", sessionName, key, value)
	return err
}

// CapturePane returns the last n lines of the session's pane, which shows
// what an agent was doing without attaching. Neither the Monitor nor the
// CLI calls it.
func (d *Driver) CapturePane(sessionName string, lines int) (string, error) {
	return d.run("capture-pane", "-p", "-t", sessionName, "-S", fmt.Sprintf("-%d", lines))
}
