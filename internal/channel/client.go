// Package channel keeps the agent connected to an upstream controller over a
// WebSocket. Commands arrive as JSON text frames and published events leave
// the same way.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/scrape_agent/internal/capture"
	"github.com/dgnsrekt/scrape_agent/internal/tracker"
	"github.com/dgnsrekt/scrape_agent/internal/types"
)

const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"

	baseBackoff  = 2 * time.Second
	maxBackoff   = 30 * time.Second
	stableAfter  = time.Minute
	pingInterval = 25 * time.Second
	outboxSize   = 1024
	writeTimeout = 10 * time.Second
)

// Executor runs inbound commands.
type Executor interface {
	Execute(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, cmd tracker.Command) (tracker.CommandResult, error) {
	return f(ctx, cmd)
}

// Reply is the frame sent back for every inbound command.
type Reply struct {
	Type string `json:"type"`
	tracker.CommandResult
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type eventFrame struct {
	Type  string      `json:"type"`
	Event types.Event `json:"event"`
}

// Client is the upstream channel. It implements capture.Subscriber.
type Client struct {
	url  string
	exec Executor

	// timings, overridable in tests
	base   time.Duration
	max    time.Duration
	stable time.Duration
	ping   time.Duration

	mu     sync.Mutex
	conn   net.Conn
	outbox chan []byte
	wmu    sync.Mutex
}

var _ capture.Subscriber = (*Client)(nil)

// New creates a client for url. Run must be called to connect.
func New(url string, exec Executor) *Client {
	return &Client{
		url:    url,
		exec:   exec,
		base:   baseBackoff,
		max:    maxBackoff,
		stable: stableAfter,
		ping:   pingInterval,
	}
}

// State reports whether the channel is currently connected.
func (c *Client) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return StateDisconnected
	}
	return StateConnected
}

// Publish forwards ev upstream. Events are dropped while disconnected or when
// the outbound buffer is full.
func (c *Client) Publish(ev types.Event) {
	c.mu.Lock()
	outbox := c.outbox
	c.mu.Unlock()
	if outbox == nil {
		return
	}
	data, err := json.Marshal(eventFrame{Type: "event", Event: ev})
	if err != nil {
		slog.Debug("Failed to encode channel event", "type", ev.Type, "error", err)
		return
	}
	select {
	case outbox <- data:
	default:
		slog.Debug("Channel outbox full, dropping event", "type", ev.Type)
	}
}

// Run connects and reconnects until ctx is cancelled. Every retry waits
// out the current backoff; the backoff only resets after a connection has
// stayed up for the stable period.
func (c *Client) Run(ctx context.Context) {
	delay := c.base
	for {
		conn, _, _, err := ws.Dial(ctx, c.url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Channel connect failed", "url", c.url, "retry_in", delay, "error", err)
		} else {
			slog.Info("Channel connected", "url", c.url)
			connectedAt := time.Now()
			err = c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			if time.Since(connectedAt) >= c.stable {
				delay = c.base
			}
			slog.Warn("Channel disconnected", "url", c.url, "retry_in", delay, "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, c.max)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}

// serve owns one connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	outbox := make(chan []byte, outboxSize)

	c.mu.Lock()
	c.conn = conn
	c.outbox = outbox
	c.mu.Unlock()

	var wg sync.WaitGroup
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.outbox = nil
		c.mu.Unlock()
		cancel()
		conn.Close()
		wg.Wait()
	}()

	if err := c.write(conn, ws.OpText, []byte(`{"command":"register","browser":"chromium"}`)); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn, outbox)
	}()

	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return err
		}
		var cmd tracker.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			slog.Debug("Ignoring malformed channel frame", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.dispatch(connCtx, conn, cmd)
		}()
	}
}

func (c *Client) dispatch(ctx context.Context, conn net.Conn, cmd tracker.Command) {
	res, err := c.exec.Execute(ctx, cmd)
	reply := Reply{Type: "result", CommandResult: res}
	if err != nil {
		reply.Error = err.Error()
		var coded *tracker.CodedError
		if errors.As(err, &coded) {
			reply.Code = coded.Code
			reply.Error = coded.Message
		}
	}
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Debug("Failed to encode channel reply", "command", cmd.Command, "error", err)
		return
	}
	if err := c.write(conn, ws.OpText, data); err != nil {
		slog.Debug("Failed to send channel reply", "command", cmd.Command, "error", err)
	}
}

func (c *Client) writeLoop(ctx context.Context, conn net.Conn, outbox <-chan []byte) {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-outbox:
			if err := c.write(conn, ws.OpText, data); err != nil {
				slog.Debug("Channel write failed", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(conn, ws.OpPing, nil); err != nil {
				slog.Debug("Channel ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) write(conn net.Conn, op ws.OpCode, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wsutil.WriteClientMessage(conn, op, data)
}
