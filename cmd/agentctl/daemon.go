package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentctl/agentctl/pkg/client"
	"github.com/agentctl/agentctl/pkg/config"
	"github.com/agentctl/agentctl/pkg/daemon"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/supervisor"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the coordination daemon",
}

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonRunCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonSuperviseCmd)
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	Long: `Start spawns a detached supervisor process which keeps the daemon
running and restarts it on failure. Use 'daemon run' for a foreground
daemon without supervision.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		if pid, alive := layout.PidAlive(); alive {
			return fmt.Errorf("daemon already running (pid %d)", pid)
		}
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		child := exec.Command(exe, "daemon", "supervise", "--dir", layout.Root)
		child.Stdout = nil
		child.Stderr = nil
		child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := child.Start(); err != nil {
			return fmt.Errorf("spawn supervisor: %v", err)
		}
		// Detach: the supervisor outlives us.
		child.Process.Release()
		fmt.Printf("✓ Supervisor started (pid %d)\n", child.Process.Pid)
		return nil
	},
}

var daemonRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		d, err := daemon.New(layout, daemon.Options{})
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return d.Run(ctx)
	},
}

var daemonSuperviseCmd = &cobra.Command{
	Use:    "supervise",
	Short:  "Run the supervisor loop in the foreground",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		if err := layout.Ensure(); err != nil {
			return err
		}
		mgr, err := config.NewManager(layout.ConfigFile())
		if err != nil {
			return err
		}
		cfg := mgr.Snapshot()
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		sup := supervisor.New(layout, supervisor.Config{
			Command:             exe,
			Args:                []string{"daemon", "run", "--dir", layout.Root},
			HealthCheckInterval: cfg.Supervisor.HealthCheckInterval,
			BaseRestartDelay:    cfg.Supervisor.BaseRestartDelay,
			MaxRestarts:         cfg.Supervisor.MaxRestarts,
			CalmWindow:          cfg.Supervisor.CalmWindow,
			GracefulShutdown:    cfg.Supervisor.GracefulShutdown,
		})
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return sup.Run(ctx)
	},
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		pid, alive := layout.PidAlive()
		if !alive {
			fmt.Println("Daemon is not running")
			return nil
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %v", pid, err)
		}
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			if _, alive := layout.PidAlive(); !alive {
				fmt.Printf("✓ Daemon stopped (pid %d)\n", pid)
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
		return fmt.Errorf("daemon (pid %d) did not exit; kill it manually", pid)
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, err := resolveLayout()
		if err != nil {
			return err
		}
		pid, alive := layout.PidAlive()
		if !alive {
			fmt.Println("Daemon is not running")
			return nil
		}
		fmt.Printf("Daemon running (pid %d)\n", pid)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := client.Dial(layout.SocketPath())
		if err != nil {
			fmt.Printf("Socket unreachable: %v\n", err)
			return nil
		}
		defer c.Close()
		if err := c.Call(ctx, protocol.TypePing, nil, nil); err != nil {
			fmt.Printf("Ping failed: %v\n", err)
			return nil
		}
		fmt.Println("✓ Socket responding")

		// Detail needs an authenticated session; skip quietly without one.
		ac, err := dialAuthed(ctx)
		if err != nil {
			return nil
		}
		defer ac.Close()
		var status map[string]any
		if err := ac.Call(ctx, protocol.TypeDaemonStatus, nil, &status); err != nil {
			return nil
		}
		return printJSON(status)
	},
}
