// Package supervisor keeps the daemon alive: it spawns the daemon process,
// probes its socket, and restarts it with exponential backoff when it dies
// or stops answering.
package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"os/exec"
	"syscall"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/agentctl/agentctl/pkg/log"
)

// probeFailureLimit is how many consecutive failed socket probes force a
// restart of the daemon.
const probeFailureLimit = 3

// Config are the restart policy knobs.
type Config struct {
	// Command and Args spawn one daemon instance, e.g. the running binary
	// with "daemon run".
	Command string
	Args    []string

	HealthCheckInterval time.Duration
	BaseRestartDelay    time.Duration
	MaxRestarts         int
	// CalmWindow resets the restart counter once the daemon has stayed up
	// this long.
	CalmWindow time.Duration
	// GracefulShutdown is how long a SIGTERM'd daemon gets before SIGKILL.
	GracefulShutdown time.Duration
}

// Supervisor restarts one daemon process until the budget runs out.
type Supervisor struct {
	layout hubdir.Layout
	cfg    Config
}

// New builds a supervisor for the hub at layout.
func New(layout hubdir.Layout, cfg Config) *Supervisor {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.BaseRestartDelay <= 0 {
		cfg.BaseRestartDelay = time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 5
	}
	if cfg.CalmWindow <= 0 {
		cfg.CalmWindow = 5 * time.Minute
	}
	if cfg.GracefulShutdown <= 0 {
		cfg.GracefulShutdown = 10 * time.Second
	}
	return &Supervisor{layout: layout, cfg: cfg}
}

// Run supervises until ctx is cancelled or the restart budget is exhausted
// within one calm window.
func (s *Supervisor) Run(ctx context.Context) error {
	logger := log.WithComponent("supervisor")
	restarts := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		startedAt := time.Now()
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Warn().Err(err).Msg("daemon exited")
		}

		if time.Since(startedAt) >= s.cfg.CalmWindow {
			restarts = 0
		}
		restarts++
		if restarts > s.cfg.MaxRestarts {
			return errdefs.Internalf("daemon restarted %d times without a calm window; giving up", restarts-1)
		}

		delay := s.cfg.BaseRestartDelay << (restarts - 1)
		logger.Info().
			Int("attempt", restarts).
			Dur("delay", delay).
			Msg("restarting daemon")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce spawns one daemon and babysits it until it exits or flunks the
// health probe.
func (s *Supervisor) runOnce(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return errdefs.ToolErrorf("spawn daemon: %v", err)
	}
	logger := log.WithComponent("supervisor")
	logger.Info().Int("pid", cmd.Process.Pid).Msg("daemon spawned")

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case err := <-exited:
			return err
		case <-ctx.Done():
			s.terminate(cmd, exited)
			return nil
		case <-ticker.C:
			if s.probe() {
				failures = 0
				continue
			}
			failures++
			logger.Warn().Int("failures", failures).Msg("daemon health probe failed")
			if failures >= probeFailureLimit {
				s.terminate(cmd, exited)
				return errdefs.Timeoutf("daemon unresponsive after %d probes", failures)
			}
		}
	}
}

// probe pings the control socket and reports liveness.
func (s *Supervisor) probe() bool {
	conn, err := net.DialTimeout("unix", s.layout.SocketPath(), 2*time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(`{"type":"ping"}` + "\n")); err != nil {
		return false
	}
	dec := json.NewDecoder(conn)
	var reply struct {
		Type string `json:"type"`
	}
	if err := dec.Decode(&reply); err != nil {
		return false
	}
	return reply.Type == "pong"
}

// terminate asks nicely, waits out the graceful window, then kills.
func (s *Supervisor) terminate(cmd *exec.Cmd, exited <-chan error) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(s.cfg.GracefulShutdown):
		logger := log.WithComponent("supervisor")
		logger.Warn().
			Int("pid", cmd.Process.Pid).
			Msg("graceful window elapsed; killing daemon")
		cmd.Process.Kill()
		<-exited
	}
}
