package client

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/agentctl/agentctl/pkg/errdefs"
	"github.com/agentctl/agentctl/pkg/events"
	"github.com/agentctl/agentctl/pkg/protocol"
	"github.com/google/uuid"
)

// DefaultTimeout bounds one round trip when the caller's context carries no
// deadline of its own.
const DefaultTimeout = 30 * time.Second

// Client talks to the daemon over its unix socket. One request is in flight
// at a time; event frames arriving between replies are buffered for Events.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	pending []events.Event
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, errdefs.Networkf("dial %s: %v", socketPath, err)
	}
	return &Client{conn: conn, r: bufio.NewReader(conn)}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// wireReply is the decoded frame shape shared by replies and events.
type wireReply struct {
	Type      string              `json:"type"`
	RequestID string              `json:"requestId"`
	Result    json.RawMessage     `json:"result"`
	Error     *protocol.WireError `json:"error"`
}

// Call sends one request and waits for its correlated reply, decoding the
// result into out when out is non-nil. Error frames come back as errdefs
// errors carrying the daemon's kind.
func (c *Client) Call(ctx context.Context, msgType protocol.MessageType, args map[string]any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame := make(map[string]any, len(args)+2)
	for k, v := range args {
		frame[k] = v
	}
	requestID := uuid.NewString()
	frame["type"] = msgType
	frame["requestId"] = requestID

	data, err := json.Marshal(frame)
	if err != nil {
		return errdefs.Internalf("encode %s request: %v", msgType, err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return errdefs.Networkf("%v", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return errdefs.Networkf("write %s: %v", msgType, err)
	}

	for {
		reply, err := c.readFrame()
		if err != nil {
			return err
		}
		if reply.Type == "event" {
			var ev events.Event
			if json.Unmarshal(reply.Result, &ev) == nil {
				c.pending = append(c.pending, ev)
			}
			continue
		}
		// Replies without a requestId (parser-level errors) also terminate
		// the call; nothing else is coming for it.
		if reply.RequestID != "" && reply.RequestID != requestID {
			continue
		}
		if reply.Error != nil {
			return fromWire(reply.Error)
		}
		if out != nil && len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, out); err != nil {
				return errdefs.Internalf("decode %s result: %v", msgType, err)
			}
		}
		return nil
	}
}

// Auth authenticates the connection as account.
func (c *Client) Auth(ctx context.Context, account, token string) error {
	return c.Call(ctx, protocol.TypeAuth, map[string]any{
		"account": account,
		"token":   token,
	}, nil)
}

// Subscribe asks the daemon for an event feed and invokes fn for each event
// until ctx is done or the connection drops. Buffered events from earlier
// calls are delivered first.
func (c *Client) Subscribe(ctx context.Context, taskID string, eventType events.EventType, fn func(events.Event)) error {
	if err := c.Call(ctx, protocol.TypeSubscribeEvents, map[string]any{
		"task_id":    taskID,
		"event_type": string(eventType),
	}, nil); err != nil {
		return err
	}

	c.mu.Lock()
	backlog := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, ev := range backlog {
		fn(ev)
	}

	for {
		if err := ctx.Err(); err != nil {
			return errdefs.Abort("")
		}
		// Poll in short reads so ctx cancellation is noticed promptly.
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return errdefs.Networkf("%v", err)
		}
		reply, err := c.readFrame()
		if err != nil {
			// Read deadlines are how the loop polls ctx; a timeout just
			// means no event arrived this interval.
			if errdefs.KindOf(err) == errdefs.KindTimeout {
				continue
			}
			return err
		}
		if reply.Type != "event" {
			continue
		}
		var ev events.Event
		if err := json.Unmarshal(reply.Result, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}

func (c *Client) readFrame() (*wireReply, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errdefs.Timeoutf("daemon did not reply in time")
		}
		return nil, errdefs.Networkf("read reply: %v", err)
	}
	var reply wireReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, errdefs.Internalf("malformed reply frame: %v", err)
	}
	return &reply, nil
}

// fromWire rebuilds the daemon's error with its original kind.
func fromWire(we *protocol.WireError) error {
	switch we.Kind {
	case errdefs.KindAuth:
		return errdefs.Authf("%s", we.Message)
	case errdefs.KindValidation:
		return errdefs.Validationf("%s", we.Message)
	case errdefs.KindNotFound:
		return errdefs.NotFoundf("%s", we.Message)
	case errdefs.KindRateLimit:
		return errdefs.RateLimitf("%s", we.Message)
	case errdefs.KindTimeout:
		return errdefs.Timeoutf("%s", we.Message)
	case errdefs.KindContextOverflow:
		return errdefs.ContextOverflowf("%s", we.Message)
	case errdefs.KindNetwork:
		return errdefs.Networkf("%s", we.Message)
	case errdefs.KindOverloaded:
		return errdefs.Overloadedf("%s", we.Message)
	case errdefs.KindToolError:
		return errdefs.ToolErrorf("%s", we.Message)
	case errdefs.KindAbort:
		return errdefs.Abort(we.Message)
	default:
		return errdefs.Internalf("%s", we.Message)
	}
}
