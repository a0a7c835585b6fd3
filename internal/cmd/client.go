package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/loom-dev/loom/internal/ipc"
)

// ErrDaemonUnreachable wraps any failure to dial or handshake with the
// daemon socket, so callers can map it to ExitDaemonUnreach.
var ErrDaemonUnreachable = errors.New("daemon unreachable")

// client is a short-lived connection to the daemon socket, used for one
// request/response exchange (or, via Subscribe, a long-lived subscription).
type client struct {
	conn net.Conn
}

func dial(workDir string) (*client, error) {
	sockPath := filepath.Join(workDir, "daemon.sock")
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}

	ping, _ := ipc.NewFrame(ipc.KindPing, ipc.PingPayload{Version: ipc.ProtocolVersion})
	if err := ipc.WriteFrame(conn, ping); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	pong, err := ipc.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	if pong.Kind == ipc.KindError {
		_ = conn.Close()
		var errPayload ipc.ErrorPayload
		_ = json.Unmarshal(pong.Payload, &errPayload)
		return nil, fmt.Errorf("%w: %s", ErrDaemonUnreachable, errPayload.Message)
	}

	return &client{conn: conn}, nil
}

func (c *client) Close() error { return c.conn.Close() }

// Request sends one frame and returns the daemon's single response frame.
func (c *client) Request(kind ipc.Kind, payload any) (ipc.Frame, error) {
	f, err := ipc.NewFrame(kind, payload)
	if err != nil {
		return ipc.Frame{}, err
	}
	if err := ipc.WriteFrame(c.conn, f); err != nil {
		return ipc.Frame{}, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	resp, err := ipc.ReadFrame(c.conn)
	if err != nil {
		return ipc.Frame{}, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	if resp.Kind == ipc.KindError {
		var errPayload ipc.ErrorPayload
		_ = json.Unmarshal(resp.Payload, &errPayload)
		return resp, fmt.Errorf("%s: %s", errPayload.Kind, errPayload.Message)
	}
	return resp, nil
}

// Subscribe sends a Subscribe frame and returns a channel of the Event
// frames that follow, closed when the connection drops.
func (c *client) Subscribe() (<-chan ipc.Frame, error) {
	f, _ := ipc.NewFrame(ipc.KindSubscribe, nil)
	if err := ipc.WriteFrame(c.conn, f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDaemonUnreachable, err)
	}
	out := make(chan ipc.Frame)
	go func() {
		defer close(out)
		for {
			frame, err := ipc.ReadFrame(c.conn)
			if err != nil {
				return
			}
			out <- frame
		}
	}()
	return out, nil
}
