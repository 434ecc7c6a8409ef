package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaemon answers each request with the scripted frames. A frame whose
// requestId is "$echo" gets the caller's real request id.
func fakeDaemon(t *testing.T, handle func(req map[string]any) []map[string]any) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "hub.sock")
	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					var req map[string]any
					if json.Unmarshal(sc.Bytes(), &req) != nil {
						continue
					}
					for _, frame := range handle(req) {
						if frame["requestId"] == "$echo" {
							frame["requestId"] = req["requestId"]
						}
						data, _ := json.Marshal(frame)
						conn.Write(append(data, '\n'))
					}
				}
			}()
		}
	}()
	return socket
}

func TestCallSkipsEventFramesAndDecodesResult(t *testing.T) {
	socket := fakeDaemon(t, func(req map[string]any) []map[string]any {
		return []map[string]any{
			{"type": "event", "result": map[string]any{"type": "PROGRESS_UPDATE", "task_id": "t1"}},
			{"type": "result", "requestId": "$echo", "result": map[string]any{"unread": 2}},
		}
	})

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	var out struct {
		Unread int `json:"unread"`
	}
	require.NoError(t, c.Call(context.Background(), protocol.TypeCountUnread, nil, &out))
	assert.Equal(t, 2, out.Unread)

	// The event frame was kept for a later subscription drain.
	c.mu.Lock()
	require.Len(t, c.pending, 1)
	assert.Equal(t, events.EventProgressUpdate, c.pending[0].Type)
	c.mu.Unlock()
}

func TestCallCarriesErrorKind(t *testing.T) {
	socket := fakeDaemon(t, func(req map[string]any) []map[string]any {
		return []map[string]any{{
			"type": "error", "requestId": "$echo",
			"error": map[string]any{"kind": "rate_limit", "message": "slow down", "retryable": true},
		}}
	})

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	err = c.Call(context.Background(), protocol.TypeSendMessage, map[string]any{"to": "bob"}, nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindRateLimit, errdefs.KindOf(err))
	assert.True(t, errdefs.IsRetryable(err))
	assert.Contains(t, err.Error(), "slow down")
}

func TestCallTimesOutWhenDaemonIsSilent(t *testing.T) {
	socket := fakeDaemon(t, func(req map[string]any) []map[string]any { return nil })

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.Call(ctx, protocol.TypePing, nil, nil)
	assert.Equal(t, errdefs.KindTimeout, errdefs.KindOf(err))
}

func TestCallIgnoresStaleCorrelations(t *testing.T) {
	socket := fakeDaemon(t, func(req map[string]any) []map[string]any {
		return []map[string]any{
			{"type": "result", "requestId": "someone-else", "result": map[string]any{"x": 1}},
			{"type": "result", "requestId": "$echo", "result": map[string]any{"x": 2}},
		}
	})

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	var out struct {
		X int `json:"x"`
	}
	require.NoError(t, c.Call(context.Background(), protocol.TypePing, nil, &out))
	assert.Equal(t, 2, out.X)
}

func TestSubscribeDeliversEventsUntilCancel(t *testing.T) {
	socket := fakeDaemon(t, func(req map[string]any) []map[string]any {
		if req["type"] == string(protocol.TypeSubscribeEvents) {
			return []map[string]any{
				{"type": "subscribed", "requestId": "$echo"},
				{"type": "event", "result": map[string]any{"seq": 1, "type": "TASK_CREATED", "task_id": "t1"}},
				{"type": "event", "result": map[string]any{"seq": 2, "type": "TASK_ASSIGNED", "task_id": "t1"}},
			}
		}
		return nil
	})

	c, err := Dial(socket)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var got []events.Event
	done := make(chan error, 1)
	go func() {
		done <- c.Subscribe(ctx, "t1", "", func(ev events.Event) {
			got = append(got, ev)
			if len(got) == 2 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		assert.Equal(t, errdefs.KindAbort, errdefs.KindOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not stop after cancel")
	}
	require.Len(t, got, 2)
	assert.Equal(t, events.EventTaskCreated, got[0].Type)
	assert.Equal(t, events.EventTaskAssigned, got[1].Type)
}
