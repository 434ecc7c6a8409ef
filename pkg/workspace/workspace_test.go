package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a git repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("hi\n"), 0o600))
	run("add", "README")
	run("commit", "-m", "initial")
	return dir
}

func TestPrepareStatusCleanup(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(filepath.Join(t.TempDir(), "worktrees"))
	ctx := context.Background()

	path, err := m.Prepare(ctx, repo, "h1", "")
	require.NoError(t, err)
	assert.DirExists(t, path)

	st, err := m.Status(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "handoff/h1", st.Branch)
	assert.True(t, st.Clean)

	// Dirty the worktree and check again.
	require.NoError(t, os.WriteFile(filepath.Join(path, "new.txt"), []byte("x"), 0o600))
	st, err = m.Status(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, st.Clean)
	assert.NotEmpty(t, st.Changes)

	ids, err := m.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"h1"}, ids)

	require.NoError(t, m.Cleanup(ctx, repo, "h1"))
	assert.NoDirExists(t, path)

	// Cleanup of an unknown handoff is a no-op.
	require.NoError(t, m.Cleanup(ctx, repo, "h1"))
}

func TestPrepareValidation(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()

	_, err := m.Prepare(ctx, "", "h1", "")
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
	_, err = m.Prepare(ctx, "/repo", "", "")
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestPrepareTwiceRefused(t *testing.T) {
	repo := initRepo(t)
	m := NewManager(filepath.Join(t.TempDir(), "worktrees"))
	ctx := context.Background()

	_, err := m.Prepare(ctx, repo, "h1", "feature")
	require.NoError(t, err)
	_, err = m.Prepare(ctx, repo, "h1", "feature2")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindValidation, errdefs.KindOf(err))
}

func TestGitFailureIsToolError(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	m := NewManager(filepath.Join(t.TempDir(), "worktrees"))
	_, err := m.Prepare(context.Background(), t.TempDir(), "h1", "")
	require.Error(t, err)
	assert.Equal(t, errdefs.KindToolError, errdefs.KindOf(err))
}

func TestStatusUnknownHandoff(t *testing.T) {
	m := NewManager(t.TempDir())
	_, err := m.Status(context.Background(), "ghost")
	assert.Equal(t, errdefs.KindNotFound, errdefs.KindOf(err))
}
