package workspace

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/log"
)

// Status describes one prepared worktree.
type Status struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
	Clean  bool   `json:"clean"`
	// Changes lists dirty paths in porcelain form, empty when clean.
	Changes []string `json:"changes,omitempty"`
}

// Manager prepares isolated git worktrees for handoffs so the delegatee
// works on its own branch without touching the delegator's checkout.
// Worktrees live under $HUB_DIR/worktrees/<handoff-id>.
type Manager struct {
	root string
}

// NewManager roots the manager at the hub's worktrees directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Path returns where the handoff's worktree lives or would live.
func (m *Manager) Path(handoffID string) string {
	return filepath.Join(m.root, handoffID)
}

// Prepare creates a worktree for the handoff on a fresh branch. The branch
// defaults to handoff/<id>. Re-preparing an existing worktree is refused.
func (m *Manager) Prepare(ctx context.Context, repoPath, handoffID, branch string) (string, error) {
	if repoPath == "" || handoffID == "" {
		return "", errdefs.Validationf("prepare worktree needs a repository path and a handoff id")
	}
	path := m.Path(handoffID)
	if _, err := os.Stat(path); err == nil {
		return "", errdefs.Validationf("worktree for handoff %s already exists", handoffID)
	}
	if branch == "" {
		branch = "handoff/" + handoffID
	}
	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return "", errdefs.ToolErrorf("create worktrees dir: %v", err)
	}
	if _, err := m.git(ctx, repoPath, "worktree", "add", "-b", branch, path); err != nil {
		return "", err
	}
	logger := log.WithComponent("workspace")
	logger.Info().
		Str("handoff_id", handoffID).
		Str("branch", branch).
		Str("path", path).
		Msg("worktree prepared")
	return path, nil
}

// Status reports the branch and dirtiness of a prepared worktree.
func (m *Manager) Status(ctx context.Context, handoffID string) (Status, error) {
	path := m.Path(handoffID)
	if _, err := os.Stat(path); err != nil {
		return Status{}, errdefs.NotFoundf("no worktree for handoff %s", handoffID)
	}
	branch, err := m.git(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return Status{}, err
	}
	porcelain, err := m.git(ctx, path, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	st := Status{Path: path, Branch: branch, Clean: porcelain == ""}
	if porcelain != "" {
		st.Changes = strings.Split(porcelain, "\n")
	}
	return st, nil
}

// Cleanup removes the handoff's worktree and prunes git's bookkeeping.
// Unknown handoffs are a no-op.
func (m *Manager) Cleanup(ctx context.Context, repoPath, handoffID string) error {
	path := m.Path(handoffID)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if repoPath != "" {
		if _, err := m.git(ctx, repoPath, "worktree", "remove", "--force", path); err == nil {
			return nil
		}
		// Fall through: remove the directory and let git prune the record.
	}
	if err := os.RemoveAll(path); err != nil {
		return errdefs.ToolErrorf("remove worktree %s: %v", path, err)
	}
	if repoPath != "" {
		if _, err := m.git(ctx, repoPath, "worktree", "prune"); err != nil {
			return err
		}
	}
	return nil
}

// List returns the handoff ids with a prepared worktree.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// git runs one git command, mapping failures onto tool_error with stderr
// attached.
func (m *Manager) git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", errdefs.Abort("")
		}
		return "", errdefs.ToolErrorf("git %s: %s", strings.Join(args, " "),
			strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
