package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jfmyers9/playmidi/internal/playback"
)

// ErrClosed is returned for calls on a closed client
var ErrClosed = errors.New("rpc connection closed")

// Client is a connection to a playback server. It is safe for concurrent use.
type Client struct {
	conn   net.Conn
	wmu    sync.Mutex
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Result
	err     error

	events    chan Event
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
}

// Dial connects to the server listening on socket
func Dial(ctx context.Context, socket string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socket, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan Result),
		events:  make(chan Event, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Events delivers pushed stream items in order. It is closed when the
// connection ends. Once listening, the caller must keep draining it or result
// delivery stalls behind undelivered events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the connection ends
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close tells the server goodbye and closes the connection
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.wmu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	_ = writeFrame(c.conn, opClose, []byte("{}"))
	c.wmu.Unlock()

	err := c.conn.Close()
	<-c.done
	return err
}

// Call invokes method with args and decodes the result value into out.
// args and out may be nil.
func (c *Client) Call(ctx context.Context, method string, args any, out any) error {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", method, err)
		}
		raw = data
	}

	id := c.nextID.Add(1)
	res, err := c.roundTrip(ctx, id, opCall, Call{ID: id, Method: method, Args: raw})
	if err != nil {
		return err
	}
	if out == nil || len(res.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// Listen makes this connection the listener of stream
func (c *Client) Listen(ctx context.Context, stream string) error {
	id := c.nextID.Add(1)
	_, err := c.roundTrip(ctx, id, opListen, Subscription{ID: id, Stream: stream})
	return err
}

// Cancel stops listening to stream
func (c *Client) Cancel(ctx context.Context, stream string) error {
	id := c.nextID.Add(1)
	_, err := c.roundTrip(ctx, id, opCancel, Subscription{ID: id, Stream: stream})
	return err
}

func (c *Client) roundTrip(ctx context.Context, id uint64, op uint32, msg any) (Result, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Result{}, err
	}

	ch := make(chan Result, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Result{}, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.wmu.Lock()
	err = writeFrame(c.conn, op, payload)
	c.wmu.Unlock()
	if err != nil {
		return Result{}, fmt.Errorf("send: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return res, &RemoteError{Code: res.Error.Code, Message: res.Error.Message}
		}
		return res, nil
	case <-c.done:
		return Result{}, c.Err()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		op, payload, err := readFrame(c.conn)
		if err != nil {
			c.fail(err)
			return
		}

		switch op {
		case opResult:
			var res Result
			if err := json.Unmarshal(payload, &res); err != nil {
				continue
			}
			c.mu.Lock()
			ch := c.pending[res.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- res
			}
		case opEvent:
			var ev Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			select {
			case c.events <- ev:
			case <-c.closing:
			}
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
}

// Initialize prepares the server's backend
func (c *Client) Initialize(ctx context.Context) error {
	return c.Call(ctx, MethodInitialize, nil, nil)
}

// LoadFile loads a file from the server's filesystem
func (c *Client) LoadFile(ctx context.Context, filePath string) error {
	return c.Call(ctx, MethodLoadFile, map[string]string{"filePath": filePath}, nil)
}

// LoadAsset loads a file by asset key
func (c *Client) LoadAsset(ctx context.Context, assetPath string) error {
	return c.Call(ctx, MethodLoadAsset, map[string]string{"assetPath": assetPath}, nil)
}

func (c *Client) Play(ctx context.Context) error  { return c.Call(ctx, MethodPlay, nil, nil) }
func (c *Client) Pause(ctx context.Context) error { return c.Call(ctx, MethodPause, nil, nil) }
func (c *Client) Stop(ctx context.Context) error  { return c.Call(ctx, MethodStop, nil, nil) }

// SeekTo moves the playhead to positionMs
func (c *Client) SeekTo(ctx context.Context, positionMs int64) error {
	return c.Call(ctx, MethodSeekTo, map[string]int64{"positionMs": positionMs}, nil)
}

// SetSpeed sets the playback rate
func (c *Client) SetSpeed(ctx context.Context, speed float64) error {
	return c.Call(ctx, MethodSetSpeed, map[string]float64{"speed": speed}, nil)
}

// SetVolume sets the output level in [0,1]
func (c *Client) SetVolume(ctx context.Context, volume float64) error {
	return c.Call(ctx, MethodSetVolume, map[string]float64{"volume": volume}, nil)
}

// State returns the server's playback state
func (c *Client) State(ctx context.Context) (playback.State, error) {
	var name string
	if err := c.Call(ctx, MethodGetCurrentState, nil, &name); err != nil {
		return playback.StateUninitialized, err
	}
	state, ok := playback.ParseState(name)
	if !ok {
		return playback.StateUninitialized, fmt.Errorf("unknown state %q", name)
	}
	return state, nil
}

// Info returns the current snapshot, or nil when no track is loaded
func (c *Client) Info(ctx context.Context) (*playback.ProgressSnapshot, error) {
	var snap *playback.ProgressSnapshot
	if err := c.Call(ctx, MethodGetCurrentInfo, nil, &snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Dispose tears the server's player down
func (c *Client) Dispose(ctx context.Context) error {
	return c.Call(ctx, MethodDispose, nil, nil)
}

// DecodeProgress decodes the data of a progress event
func DecodeProgress(ev Event) (playback.ProgressSnapshot, error) {
	var snap playback.ProgressSnapshot
	err := json.Unmarshal(ev.Data, &snap)
	return snap, err
}

// DecodeState decodes the data of a state event
func DecodeState(ev Event) (playback.State, error) {
	var name string
	if err := json.Unmarshal(ev.Data, &name); err != nil {
		return playback.StateUninitialized, err
	}
	state, ok := playback.ParseState(name)
	if !ok {
		return playback.StateUninitialized, fmt.Errorf("unknown state %q", name)
	}
	return state, nil
}
