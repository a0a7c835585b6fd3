package monitor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Heartbeat is the liveness ping an agent's post-tool-use hook writes
// after every tool call, at .work/heartbeat/<stage_id>.json.
type Heartbeat struct {
	StageID        string    `json:"stage_id"`
	SessionID      string    `json:"session_id"`
	Timestamp      time.Time `json:"timestamp"`
	ContextPercent int       `json:"context_percent"`
	LastTool       string    `json:"last_tool"`
}

func readHeartbeat(dir, stageID string) (*Heartbeat, error) {
	path := filepath.Join(dir, stageID+".json")
	data, err := os.ReadFile(path) //nolint:gosec // G304: path built from internal heartbeat directory
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("parsing heartbeat %s: %w", stageID, err)
	}
	return &hb, nil
}
