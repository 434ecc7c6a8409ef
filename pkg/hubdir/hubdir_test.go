package hubdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveEnvOverrides(t *testing.T) {
	t.Setenv(EnvAgentctlDir, "/tmp/hub-a")
	t.Setenv(EnvHubDir, "/tmp/hub-b")
	l, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/hub-a", l.Root)

	t.Setenv(EnvAgentctlDir, "")
	l, err = Resolve()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/hub-b", l.Root)

	t.Setenv(EnvHubDir, "")
	l, err = Resolve()
	require.NoError(t, err)
	assert.Equal(t, DefaultDirName, filepath.Base(l.Root))
}

func TestEnsureCreatesTree(t *testing.T) {
	l := Layout{Root: filepath.Join(t.TempDir(), "hub")}
	require.NoError(t, l.Ensure())

	for _, dir := range []string{l.Root, l.TokensDir(), l.WorkflowsDir(), l.WorktreesDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
	}
}

func TestTokenRoundTrip(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, l.WriteToken("alice", "secret-token"))

	tok, err := l.ReadToken("alice")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", tok)

	accounts, err := l.ListAccounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, accounts)

	_, err = l.ReadToken("bob")
	assert.Error(t, err)
}

func TestPidFile(t *testing.T) {
	l := Layout{Root: t.TempDir()}

	pid, err := l.ReadPidFile()
	require.NoError(t, err)
	assert.Zero(t, pid)

	require.NoError(t, l.WritePidFile(os.Getpid()))
	pid, err = l.ReadPidFile()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	// Our own pid is alive by definition.
	got, alive := l.PidAlive()
	assert.True(t, alive)
	assert.Equal(t, os.Getpid(), got)

	require.NoError(t, l.RemovePidFile())
	require.NoError(t, l.RemovePidFile())
}

func TestRemoveStaleSocket(t *testing.T) {
	l := Layout{Root: t.TempDir()}
	require.NoError(t, os.WriteFile(l.SocketPath(), nil, 0o600))
	require.NoError(t, l.RemoveStaleSocket())
	_, err := os.Stat(l.SocketPath())
	assert.True(t, os.IsNotExist(err))

	// A live pid blocks socket removal.
	require.NoError(t, l.WritePidFile(os.Getpid()))
	assert.Error(t, l.RemoveStaleSocket())
}
