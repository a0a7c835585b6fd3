package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/loom-dev/loom/internal/ipc"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

// ipcRequest carries one decoded frame from a connection goroutine to the
// orchestration loop, plus a reply channel back to that connection. All
// state mutation happens on the loop; connection goroutines only read and
// write bytes.
type ipcRequest struct {
	frame ipc.Frame
	reply chan ipc.Frame
}

// acceptLoop accepts connections on the daemon socket and hands each its
// own goroutine. Frames needing daemon state are funneled through
// d.ipcIn; Subscribe is handled inline since it's a long-lived stream.
func (d *Daemon) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Printf("accept: %v", err)
			return
		}
		go d.handleConn(conn)
	}
}

func (d *Daemon) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	for {
		f, err := ipc.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.logger.Printf("ipc: read frame: %v", err)
			}
			return
		}

		if f.Kind == ipc.KindPing {
			var ping ipc.PingPayload
			_ = json.Unmarshal(f.Payload, &ping)
			if ping.Version != ipc.ProtocolVersion {
				errFrame, _ := ipc.NewFrame(ipc.KindError, ipc.ErrorPayload{
					Kind:    ipc.ErrKindVersionMismatch,
					Message: fmt.Sprintf("daemon speaks protocol %d", ipc.ProtocolVersion),
				})
				_ = ipc.WriteFrame(conn, errFrame)
				return
			}
			pong, _ := ipc.NewFrame(ipc.KindPong, ipc.PongPayload{Version: ipc.ProtocolVersion})
			if err := ipc.WriteFrame(conn, pong); err != nil {
				return
			}
			continue
		}

		if f.Kind == ipc.KindSubscribe {
			d.streamEvents(conn)
			return
		}

		reply := make(chan ipc.Frame, 1)
		d.ipcIn <- ipcRequest{frame: f, reply: reply}
		resp := <-reply
		if err := ipc.WriteFrame(conn, resp); err != nil {
			return
		}
	}
}

// streamEvents registers conn's byte sink as a transition subscriber and
// relays frames until the connection drops.
func (d *Daemon) streamEvents(conn net.Conn) {
	ch := make(chan []byte, 32)
	d.subsMu.Lock()
	d.subs[ch] = struct{}{}
	d.subsMu.Unlock()
	defer func() {
		d.subsMu.Lock()
		delete(d.subs, ch)
		d.subsMu.Unlock()
	}()

	for payload := range ch {
		frame := ipc.Frame{Kind: ipc.KindEvent, Payload: payload}
		if err := ipc.WriteFrame(conn, frame); err != nil {
			return
		}
	}
}

// handleRequest runs on the orchestration loop and is the only place
// that applies an IPC request's effect to daemon state.
func (d *Daemon) handleRequest(req ipcRequest) {
	var resp ipc.Frame
	switch req.frame.Kind {
	case ipc.KindStatus:
		resp = d.handleStatus()
	case ipc.KindStageAction:
		resp = d.handleStageAction(req.frame.Payload)
	case ipc.KindMerge:
		resp = d.handleMerge(req.frame.Payload)
	case ipc.KindStop:
		resp = d.handleStop()
	default:
		resp = errorFrame("unknown_request", fmt.Sprintf("unhandled frame kind %q", req.frame.Kind))
	}
	req.reply <- resp
}

func errorFrame(kind, msg string) ipc.Frame {
	f, _ := ipc.NewFrame(ipc.KindError, ipc.ErrorPayload{Kind: kind, Message: msg})
	return f
}

func ackFrame() ipc.Frame {
	f, _ := ipc.NewFrame(ipc.KindAck, struct{}{})
	return f
}

func (d *Daemon) handleStatus() ipc.Frame {
	stages, err := d.stages.ListAll()
	if err != nil {
		return errorFrame("internal", err.Error())
	}
	f, err := ipc.NewFrame(ipc.KindStatusSnap, stages)
	if err != nil {
		return errorFrame("internal", err.Error())
	}
	return f
}

func (d *Daemon) handleStageAction(raw json.RawMessage) ipc.Frame {
	if err := ipc.ValidateStageAction(raw); err != nil {
		return errorFrame("validation", err.Error())
	}
	var action ipc.StageActionPayload
	if err := json.Unmarshal(raw, &action); err != nil {
		return errorFrame("validation", err.Error())
	}

	s, err := d.stages.Load(action.StageID)
	if err != nil {
		if errors.Is(err, stagestore.ErrNotFound) {
			return errorFrame("not_found", err.Error())
		}
		return errorFrame("internal", err.Error())
	}

	switch action.Action {
	case "complete":
		if _, err := d.machine.Transition(s.ID, statemachine.Completed, statemachine.ReasonAgentCompleted); err != nil {
			return errorFrame("invalid_transition", err.Error())
		}
		go d.runAcceptance(s.ID)
		return ackFrame()

	case "block":
		if _, err := d.machine.Transition(s.ID, statemachine.Blocked, statemachine.ReasonExplicitBlock); err != nil {
			return errorFrame("invalid_transition", err.Error())
		}
		return ackFrame()

	case "retry":
		if _, err := d.machine.Transition(s.ID, statemachine.Queued, statemachine.ReasonRetry); err != nil {
			return errorFrame("invalid_transition", err.Error())
		}
		return ackFrame()

	case "reset":
		s.AttemptCount = 0
		if err := d.stages.SaveNext(s); err != nil {
			return errorFrame("internal", err.Error())
		}
		if _, err := d.machine.Transition(s.ID, statemachine.Queued, statemachine.ReasonReset); err != nil {
			return errorFrame("invalid_transition", err.Error())
		}
		return ackFrame()

	case "skip", "hold", "release":
		return errorFrame("unsupported", fmt.Sprintf("action %q is not yet implemented", action.Action))

	default:
		return errorFrame("validation", fmt.Sprintf("unknown action %q", action.Action))
	}
}

func (d *Daemon) handleMerge(raw json.RawMessage) ipc.Frame {
	var payload ipc.MergePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errorFrame("validation", err.Error())
	}
	s, err := d.stages.Load(payload.StageID)
	if err != nil {
		return errorFrame("not_found", err.Error())
	}
	if s.Status != statemachine.Blocked {
		return errorFrame("invalid_state", fmt.Sprintf("stage %s is %s, not Blocked", s.ID, s.Status))
	}
	go d.retryMerge(s.ID)
	return ackFrame()
}

// retryMerge re-attempts a blocked stage's merge without re-running
// acceptance, for use after a human has resolved conflicts by hand inside
// the stage's worktree.
func (d *Daemon) retryMerge(stageID string) {
	s, err := d.stages.Load(stageID)
	if err != nil {
		d.completionDone <- completionResult{stageID: stageID, passed: false, output: err.Error()}
		return
	}
	commitMsg := fmt.Sprintf("loom: merge stage %s", s.ID)
	merge, err := d.worktree.Merge(s.BranchName, s.TargetBranch, commitMsg)
	result := completionResult{stageID: stageID, passed: true}
	if err != nil {
		result.mergeError = err
	} else if len(merge.Conflicts) > 0 {
		result.conflicts = merge.Conflicts
	}
	d.completionDone <- result
}

func (d *Daemon) handleStop() ipc.Frame {
	select {
	case d.stopRequested <- struct{}{}:
	default:
	}
	return ackFrame()
}
