package hubdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// DefaultDirName is the hub directory created under the user's home when no
// override is set.
const DefaultDirName = ".claude-hub"

// Env overrides, checked in order.
const (
	EnvAgentctlDir = "AGENTCTL_DIR"
	EnvHubDir      = "CLAUDE_HUB_DIR"
)

// Layout resolves every well-known path under the hub directory.
type Layout struct {
	Root string
}

// Resolve determines the hub directory from the environment, falling back to
// ~/.claude-hub.
func Resolve() (Layout, error) {
	if dir := os.Getenv(EnvAgentctlDir); dir != "" {
		return Layout{Root: dir}, nil
	}
	if dir := os.Getenv(EnvHubDir); dir != "" {
		return Layout{Root: dir}, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Layout{}, fmt.Errorf("resolve hub dir: %w", err)
	}
	return Layout{Root: filepath.Join(home, DefaultDirName)}, nil
}

// Ensure creates the hub directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.TokensDir(), l.WorkflowsDir(), l.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func (l Layout) SocketPath() string    { return filepath.Join(l.Root, "hub.sock") }
func (l Layout) PidFile() string       { return filepath.Join(l.Root, "daemon.pid") }
func (l Layout) ConfigFile() string    { return filepath.Join(l.Root, "config.yaml") }
func (l Layout) TokensDir() string     { return filepath.Join(l.Root, "tokens") }
func (l Layout) WorkflowsDir() string  { return filepath.Join(l.Root, "workflows") }
func (l Layout) WorktreesDir() string  { return filepath.Join(l.Root, "worktrees") }
func (l Layout) SessionsDB() string    { return filepath.Join(l.Root, "sessions.db") }
func (l Layout) TasksDB() string       { return filepath.Join(l.Root, "tasks.db") }
func (l Layout) WorkflowsDB() string   { return filepath.Join(l.Root, "workflows.db") }
func (l Layout) RetrosDB() string      { return filepath.Join(l.Root, "retros.db") }
func (l Layout) CouncilDB() string     { return filepath.Join(l.Root, "council.db") }

// TokenPath returns the bearer token file for one account.
func (l Layout) TokenPath(account string) string {
	return filepath.Join(l.TokensDir(), account+".token")
}

// ReadToken loads and trims the bearer token for an account.
func (l Layout) ReadToken(account string) (string, error) {
	data, err := os.ReadFile(l.TokenPath(account))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteToken stores the bearer token for an account, owner-readable only.
func (l Layout) WriteToken(account, token string) error {
	if err := os.MkdirAll(l.TokensDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(l.TokenPath(account), []byte(token+"\n"), 0o600)
}

// ListAccounts returns account names that have a token file.
func (l Layout) ListAccounts() ([]string, error) {
	entries, err := os.ReadDir(l.TokensDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".token") {
			names = append(names, strings.TrimSuffix(name, ".token"))
		}
	}
	return names, nil
}

// WritePidFile records the daemon's pid.
func (l Layout) WritePidFile(pid int) error {
	return os.WriteFile(l.PidFile(), []byte(strconv.Itoa(pid)+"\n"), 0o600)
}

// ReadPidFile returns the recorded daemon pid, or 0 when absent.
func (l Layout) ReadPidFile() (int, error) {
	data, err := os.ReadFile(l.PidFile())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", l.PidFile(), err)
	}
	return pid, nil
}

// RemovePidFile deletes the pid file; missing files are not an error.
func (l Layout) RemovePidFile() error {
	err := os.Remove(l.PidFile())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PidAlive reports whether the process recorded in the pid file is running,
// using a signal-0 liveness check.
func (l Layout) PidAlive() (int, bool) {
	pid, err := l.ReadPidFile()
	if err != nil || pid <= 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return pid, false
	}
	return pid, true
}

// RemoveStaleSocket deletes a leftover socket file when no daemon holds it.
func (l Layout) RemoveStaleSocket() error {
	if _, alive := l.PidAlive(); alive {
		return fmt.Errorf("daemon already running")
	}
	err := os.Remove(l.SocketPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
