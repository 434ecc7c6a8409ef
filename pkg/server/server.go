package server

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/collab"
	"github.com/agentctl/agentctl/pkg/config"
	"github.com/agentctl/agentctl/pkg/council"
	"github.com/agentctl/agentctl/pkg/delegation"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/hubdir"
	"github.com/agentctl/agentctl/pkg/launcher"
	"github.com/agentctl/agentctl/pkg/log"
	"github.com/agentctl/agentctl/pkg/progress"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/agentctl/agentctl/pkg/sla"
	"github.com/agentctl/agentctl/pkg/store"
	"github.com/agentctl/agentctl/pkg/workflow"
	"github.com/agentctl/agentctl/pkg/workspace"
	"github.com/google/uuid"
)

// Deps is the capability struct handed to every handler. Handlers reach
// subsystems only through it; nothing here calls back into the server.
type Deps struct {
	Layout      hubdir.Layout
	Config      *config.Manager
	Stores      *store.Stores
	Bus         *events.Bus
	Progress    *progress.Tracker
	Launcher    *launcher.Policy
	Delegation  *delegation.Tracker
	SLA         *sla.Engine
	Coordinator *sla.Coordinator
	Trust       *sla.Registry
	Collab      *collab.Manager
	Engine      *workflow.Engine
	Council     *council.Orchestrator
	Workspace   *workspace.Manager
	// LoadWorkflow resolves a definition by name; nil falls back to the
	// hub's workflows directory.
	LoadWorkflow func(name string) (*workflow.Definition, error)
	StartedAt    time.Time
}

// Server owns the control socket.
type Server struct {
	deps   Deps
	router *router

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*conn]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server around the capability struct.
func New(deps Deps) *Server {
	s := &Server{
		deps:  deps,
		conns: make(map[*conn]struct{}),
	}
	s.router = newRouter(deps)
	return s
}

// Start removes any stale socket, listens, and begins accepting.
func (s *Server) Start() error {
	if err := s.deps.Layout.RemoveStaleSocket(); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.deps.Layout.SocketPath())
	if err != nil {
		return err
	}
	if err := os.Chmod(s.deps.Layout.SocketPath(), 0o600); err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	s.ln = ln
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	logger := log.WithComponent("server")
	logger.Info().
		Str("socket", s.deps.Layout.SocketPath()).
		Msg("control socket listening")
	return nil
}

// Stop closes the listener, signals every connection, and waits for
// in-flight handlers up to the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.ln != nil {
		s.ln.Close()
	}
	if s.cancel != nil {
		s.cancel()
	}
	for c := range s.conns {
		c.netConn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.Remove(s.deps.Layout.SocketPath())
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	logger := log.WithComponent("server")
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		c := &conn{
			id:      uuid.NewString(),
			netConn: netConn,
			server:  s,
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go c.serve(s.ctx)
	}
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// conn is the per-connection state, owned by its serve goroutine. Only the
// write path is shared (event streaming goroutines), hence the write mutex.
type conn struct {
	id      string
	netConn net.Conn
	server  *Server

	account string
	authed  bool

	writeMu sync.Mutex
	parser  protocol.LineParser

	// streamCancel stops an active subscribe_events feed.
	streamCancel context.CancelFunc
}

func (c *conn) serve(ctx context.Context) {
	defer c.server.wg.Done()
	defer c.server.dropConn(c)
	defer c.netConn.Close()
	defer func() {
		if c.streamCancel != nil {
			c.streamCancel()
		}
	}()

	logger := log.WithConn(c.id)
	logger.Debug().Msg("connection opened")
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.netConn.Read(buf)
		if n > 0 {
			frames, perr := c.parser.Feed(buf[:n])
			if perr != nil {
				c.write(protocol.ErrorReply(nil, perr))
			}
			for _, frame := range frames {
				c.handleFrame(ctx, frame)
			}
		}
		if err != nil {
			logger.Debug().Msg("connection closed")
			return
		}
	}
}

func (c *conn) handleFrame(ctx context.Context, frame []byte) {
	req, err := protocol.DecodeRequest(frame)
	if err != nil {
		c.write(protocol.ErrorReply(nil, err))
		return
	}
	reply := c.server.router.dispatch(ctx, c, req)
	if reply != nil {
		c.write(reply)
	}
}

// write serializes one reply onto the socket under the connection's write
// mutex so streamed events and handler replies never interleave mid-frame.
func (c *conn) write(reply *protocol.Reply) {
	logger := log.WithConn(c.id)
	data, err := protocol.Encode(reply)
	if err != nil {
		logger.Error().Err(err).Msg("encoding reply")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.netConn.Write(data); err != nil {
		logger.Debug().Err(err).Msg("write failed")
	}
}
