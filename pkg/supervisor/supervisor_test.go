package supervisor

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunGivesUpAfterMaxRestarts(t *testing.T) {
	layout := hubdir.Layout{Root: t.TempDir()}
	s := New(layout, Config{
		Command:             "false",
		BaseRestartDelay:    time.Millisecond,
		MaxRestarts:         3,
		CalmWindow:          time.Hour,
		HealthCheckInterval: time.Hour,
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInternal, errdefs.KindOf(err))
}

func TestRunTerminatesChildOnCancel(t *testing.T) {
	layout := hubdir.Layout{Root: t.TempDir()}
	s := New(layout, Config{
		Command:             "sleep",
		Args:                []string{"60"},
		HealthCheckInterval: time.Hour,
		GracefulShutdown:    2 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestProbeRequiresPong(t *testing.T) {
	root := t.TempDir()
	layout := hubdir.Layout{Root: root}
	require.NoError(t, layout.Ensure())
	s := New(layout, Config{})

	// Nothing listening yet.
	assert.False(t, s.probe())

	ln, err := net.Listen("unix", layout.SocketPath())
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				if _, err := bufio.NewReader(c).ReadString('\n'); err != nil {
					return
				}
				c.Write([]byte(`{"type":"pong"}` + "\n"))
			}(conn)
		}
	}()

	assert.True(t, s.probe())
}

func TestProbeRejectsWrongReply(t *testing.T) {
	root := t.TempDir()
	layout := hubdir.Layout{Root: root}
	require.NoError(t, layout.Ensure())
	s := New(layout, Config{})

	ln, err := net.Listen("unix", layout.SocketPath())
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte(`{"type":"error"}` + "\n"))
	}()

	assert.False(t, s.probe())
}
