// Package daemon is the DaemonServer: the single long-running process
// that owns the StageStore, ExecutionGraph, SignalBus, WorktreeDriver,
// TerminalDriver, StateMachine, and Monitor, and drives stages through
// their lifecycle from a single orchestration goroutine. Grounded on the
// teacher's internal/daemon/daemon.go main-loop shape (flock lock, PID
// file, signal handling, select-loop-over-timer) and
// internal/refinery/daemon.go's PID-file-plus-liveness-check idiom,
// generalized from "patrol the town" to "dispatch ready stages and react
// to Monitor events."
package daemon

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/loom-dev/loom/internal/config"
	"github.com/loom-dev/loom/internal/graph"
	"github.com/loom-dev/loom/internal/monitor"
	"github.com/loom-dev/loom/internal/signalbus"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
	"github.com/loom-dev/loom/internal/terminal"
	"github.com/loom-dev/loom/internal/worktree"
)

// Daemon is the orchestrator process for one .work/ tree.
type Daemon struct {
	cfg *config.Config

	stages   *stagestore.Store
	signals  *signalbus.Bus
	monitor  *monitor.Monitor
	machine  *statemachine.Machine
	worktree *worktree.Driver
	terminal *terminal.Driver

	logger *log.Logger

	events         chan statemachine.TransitionEvent
	ipcIn          chan ipcRequest
	completionDone chan completionResult
	stopRequested  chan struct{}

	lock *flock.Flock

	// snapshotMu guards reads of the current graph/stage snapshot from
	// IPC handler goroutines; the orchestration loop itself is
	// single-writer and needs no lock of its own (spec.md §5).
	snapshotMu sync.RWMutex
	lastGraph  *graph.Graph

	subsMu sync.Mutex
	subs   map[chan []byte]struct{}

	running   map[string]int // stageID -> concurrently executing count, always 0 or 1
	runningMu sync.Mutex
}

// New constructs a Daemon over cfg's filesystem roots. It does not start
// the orchestration loop; call Run for that.
func New(cfg *config.Config) (*Daemon, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}

	logPath := filepath.Join(cfg.WorkDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening daemon log: %w", err)
	}
	logger := log.New(logFile, "", log.LstdFlags)

	stagesDir := filepath.Join(cfg.WorkDir, "stages")
	signalsDir := filepath.Join(cfg.WorkDir, "signals")
	heartbeatDir := filepath.Join(cfg.WorkDir, "heartbeat")
	for _, dir := range []string{stagesDir, signalsDir, heartbeatDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	stages := stagestore.New(stagesDir)
	signals := signalbus.New(signalsDir)
	events := make(chan statemachine.TransitionEvent, 64)

	d := &Daemon{
		cfg:            cfg,
		stages:         stages,
		signals:        signals,
		monitor:        monitor.New(stages, heartbeatDir, signals),
		machine:        statemachine.New(stages, events),
		worktree:       worktree.New(cfg.RepoRoot),
		terminal:       terminal.New(),
		logger:         logger,
		events:         events,
		ipcIn:          make(chan ipcRequest),
		completionDone: make(chan completionResult, 8),
		stopRequested:  make(chan struct{}, 1),
		subs:           make(map[chan []byte]struct{}),
		running:        make(map[string]int),
	}
	d.monitor.SetCrashThreshold(cfg.CrashThreshold)
	return d, nil
}

// Run acquires the single-instance lock, recovers stale stage state, and
// blocks running the orchestration loop until ctx is canceled or Stop is
// requested over IPC.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("daemon starting (pid %d)", os.Getpid())

	lockPath := filepath.Join(d.cfg.WorkDir, "daemon.lock")
	d.lock = flock.New(lockPath)
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("daemon already running (lock held at %s)", lockPath)
	}
	defer func() { _ = d.lock.Unlock() }()

	pidPath := filepath.Join(d.cfg.WorkDir, "daemon.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	if err := d.recover(); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	sockPath := filepath.Join(d.cfg.WorkDir, "daemon.sock")
	_ = os.Remove(sockPath) // stale socket from an unclean shutdown
	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", sockPath, err)
	}
	defer func() { _ = listener.Close() }()
	defer func() { _ = os.Remove(sockPath) }()

	go d.acceptLoop(listener)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	monitorTimer := time.NewTicker(d.cfg.PollInterval)
	defer monitorTimer.Stop()
	dispatchTimer := time.NewTicker(d.cfg.DispatchTick)
	defer dispatchTimer.Stop()

	d.logger.Printf("daemon running, poll=%s dispatch=%s", d.cfg.PollInterval, d.cfg.DispatchTick)

	for {
		select {
		case <-ctx.Done():
			d.logger.Println("context canceled, shutting down")
			return d.shutdown()

		case sig := <-sigCh:
			d.logger.Printf("received signal %v, shutting down", sig)
			return d.shutdown()

		case <-d.stopRequested:
			d.logger.Println("stop requested over ipc, shutting down")
			return d.shutdown()

		case req := <-d.ipcIn:
			d.handleRequest(req)

		case ev := <-d.events:
			d.broadcastTransition(ev)

		case res := <-d.completionDone:
			d.applyCompletion(res)

		case <-monitorTimer.C:
			events, err := d.monitor.Tick()
			if err != nil {
				d.logger.Printf("monitor tick: %v", err)
				continue
			}
			for _, ev := range events {
				d.handleMonitorEvent(ev)
			}

		case <-dispatchTimer.C:
			if err := d.dispatchReady(); err != nil {
				d.logger.Printf("dispatch: %v", err)
			}
		}
	}
}

// shutdown waits up to cfg.ShutdownGrace for in-flight IPC requests to
// drain, then returns. The socket and lock are released by Run's defers.
func (d *Daemon) shutdown() error {
	deadline := time.Now().Add(d.cfg.ShutdownGrace)
	for time.Now().Before(deadline) && len(d.ipcIn) > 0 {
		time.Sleep(50 * time.Millisecond)
	}
	d.logger.Println("daemon stopped")
	return nil
}

func (d *Daemon) currentGraph() (*graph.Graph, error) {
	stages, err := d.stages.ListAll()
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(stages)
	if err != nil {
		return nil, err
	}
	d.snapshotMu.Lock()
	d.lastGraph = g
	d.snapshotMu.Unlock()
	return g, nil
}

func (d *Daemon) snapshot() *graph.Graph {
	d.snapshotMu.RLock()
	defer d.snapshotMu.RUnlock()
	return d.lastGraph
}
