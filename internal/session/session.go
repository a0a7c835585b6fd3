// Package session defines the Session record: a running agent instance
// bound to a stage, and the tmux session naming convention TerminalDriver
// uses to address it.
package session

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Type distinguishes why a session was started.
type Type string

const (
	TypeImplementation Type = "implementation"
	TypeMerge          Type = "merge"
	TypeRecovery       Type = "recovery"
)

// Status is the lifecycle status of a session, independent of its stage's status.
type Status string

const (
	StatusActive           Status = "Active"
	StatusCrashed          Status = "Crashed"
	StatusContextExhausted Status = "ContextExhausted"
	StatusCompleted        Status = "Completed"
)

// Session is a running agent instance bound to a stage. At most one Active
// session may exist per stage_id at any time (enforced by DaemonServer, not
// by this type).
type Session struct {
	SessionID      string    `json:"session_id" yaml:"session_id"`
	StageID        string    `json:"stage_id" yaml:"stage_id"`
	SessionType    Type      `json:"session_type" yaml:"session_type"`
	Status         Status    `json:"status" yaml:"status"`
	StartedAt      time.Time `json:"started_at" yaml:"started_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
	ContextPercent *int      `json:"context_percent,omitempty" yaml:"context_percent,omitempty"`
	LastTool       string    `json:"last_tool,omitempty" yaml:"last_tool,omitempty"`
	TerminalHandle string    `json:"terminal_handle,omitempty" yaml:"terminal_handle,omitempty"`
}

// NewID generates a new session identifier. ULIDs are lexicographically
// sortable by creation time.
func NewID() string {
	return ulid.Make().String()
}

// New creates a Session in Active status, started now.
func New(stageID string, typ Type) *Session {
	return &Session{
		SessionID:   NewID(),
		StageID:     stageID,
		SessionType: typ,
		Status:      StatusActive,
		StartedAt:   time.Now(),
	}
}

// TerminalName returns the tmux session name (or native window title) used
// to address this stage's terminal. One terminal per stage, keyed by
// stage_id rather than by role, since Loom has no fixed cast of named
// agents the way a rig has a mayor/witness/refinery.
func TerminalName(stageID string) string {
	return fmt.Sprintf("loom-%s", stageID)
}
