package mpv

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned for commands issued after the connection dropped
var ErrClosed = errors.New("mpv connection closed")

// Event is an asynchronous message from mpv
type Event struct {
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
	FileError string `json:"file_error,omitempty"`
}

// message is any line mpv writes: a reply carries request_id, an event carries event
type message struct {
	Event
	RequestID *int64          `json:"request_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type reply struct {
	data json.RawMessage
	err  error
}

// ipcClient speaks mpv's JSON IPC protocol over a unix socket
type ipcClient struct {
	socketPath string
	logger     zerolog.Logger

	conn   net.Conn
	wmu    sync.Mutex
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	closed  bool

	events chan Event
	done   chan struct{}
}

func newIPCClient(socketPath string, logger zerolog.Logger) *ipcClient {
	return &ipcClient{
		socketPath: socketPath,
		logger:     logger,
		pending:    make(map[int64]chan reply),
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
}

// connect dials the socket and starts the reader
func (c *ipcClient) connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to mpv socket: %w", err)
	}
	c.conn = conn
	go c.readLoop()
	return nil
}

// waitForConnection retries connect until mpv has created its socket
func (c *ipcClient) waitForConnection(ctx context.Context, maxAttempts int, retryDelay time.Duration) error {
	c.logger.Debug().
		Str("socket", c.socketPath).
		Int("max_attempts", maxAttempts).
		Msg("Waiting for mpv socket")

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = c.connect(ctx); lastErr == nil {
			c.logger.Debug().Int("attempt", attempt).Msg("Connected to mpv")
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return fmt.Errorf("failed to connect to mpv after %d attempts: %w", maxAttempts, lastErr)
}

func (c *ipcClient) readLoop() {
	defer c.shutdown()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed mpv message")
			continue
		}

		if msg.Event.Event != "" {
			select {
			case c.events <- msg.Event:
			default:
				c.logger.Debug().Str("event", msg.Event.Event).Msg("Dropping mpv event, queue full")
			}
			continue
		}
		if msg.RequestID == nil {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[*msg.RequestID]
		delete(c.pending, *msg.RequestID)
		c.mu.Unlock()
		if !ok {
			continue
		}

		r := reply{data: msg.Data}
		if msg.Error != "" && msg.Error != "success" {
			r.err = fmt.Errorf("mpv: %s", msg.Error)
		}
		ch <- r
	}

	if err := scanner.Err(); err != nil {
		c.logger.Debug().Err(err).Msg("mpv socket read failed")
	}
}

// shutdown fails every pending command
func (c *ipcClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for id, ch := range c.pending {
		ch <- reply{err: ErrClosed}
		delete(c.pending, id)
	}
}

// command sends a command and waits for its reply
func (c *ipcClient) command(ctx context.Context, args ...any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan reply, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(map[string]any{"command": args, "request_id": id})
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	c.wmu.Lock()
	_, err = c.conn.Write(append(data, '\n'))
	c.wmu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case r := <-ch:
		return r.data, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *ipcClient) forget(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *ipcClient) getFloat(ctx context.Context, property string) (float64, error) {
	data, err := c.command(ctx, "get_property", property)
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", property, err)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, fmt.Errorf("get %s: %w", property, err)
	}
	return v, nil
}

func (c *ipcClient) set(ctx context.Context, property string, value any) error {
	if _, err := c.command(ctx, "set_property", property, value); err != nil {
		return fmt.Errorf("set %s: %w", property, err)
	}
	return nil
}

// drainEvents discards queued events
func (c *ipcClient) drainEvents() {
	for {
		select {
		case <-c.events:
		default:
			return
		}
	}
}

func (c *ipcClient) close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
