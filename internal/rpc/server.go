package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/jfmyers9/playmidi/internal/playback"
)

// DefaultWriteTimeout bounds how long an event may block on a slow listener
const DefaultWriteTimeout = time.Second

// Controller is the command surface the server exposes
type Controller interface {
	Initialize(ctx context.Context) error
	LoadFile(ctx context.Context, filePath string) error
	LoadAsset(ctx context.Context, assetPath string) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SeekTo(ctx context.Context, positionMs int64) error
	SetSpeed(ctx context.Context, speed float64) error
	SetVolume(ctx context.Context, volume float64) error
	State() playback.State
	Info(ctx context.Context) *playback.ProgressSnapshot
	Dispose(ctx context.Context) error
	SetProgressListener(l playback.ProgressListener)
	SetStateListener(l playback.StateListener)
}

type handler func(ctx context.Context, args json.RawMessage) (any, error)

// Server dispatches calls to a Controller and pushes its events to at most one
// listening connection per stream
type Server struct {
	ctrl         Controller
	logger       zerolog.Logger
	writeTimeout time.Duration
	methods      map[string]handler

	mu        sync.Mutex
	listeners map[string]*session
	sessions  map[*session]struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server and takes over the controller's listener slots
func NewServer(ctrl Controller, logger zerolog.Logger) *Server {
	s := &Server{
		ctrl:         ctrl,
		logger:       logger.With().Str("component", "rpc").Logger(),
		writeTimeout: DefaultWriteTimeout,
		listeners:    make(map[string]*session),
		sessions:     make(map[*session]struct{}),
	}
	s.methods = s.routes()

	ctrl.SetProgressListener(func(snap playback.ProgressSnapshot) {
		s.publish(StreamProgress, snap)
	})
	ctrl.SetStateListener(func(state playback.State) {
		s.publish(StreamState, state.String())
	})
	return s
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection and waits for their handlers to return
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Listening")

	var err error
	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() == nil {
				err = fmt.Errorf("accept failed: %w", acceptErr)
			}
			break
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}

	s.closeSessions()
	s.wg.Wait()
	return err
}

// ServeConn handles one connection until it closes
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	sess := &session{conn: conn, timeout: s.writeTimeout}
	s.register(sess)
	defer s.unregister(sess)

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("Client connected")

	for {
		op, payload, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("Read failed")
			}
			return
		}

		switch op {
		case opCall:
			var call Call
			if err := json.Unmarshal(payload, &call); err != nil {
				s.reply(sess, 0, nil, invalid("call", "malformed call: %v", err))
				continue
			}
			value, err := s.dispatch(ctx, call)
			s.reply(sess, call.ID, value, err)

		case opListen, opCancel:
			var sub Subscription
			if err := json.Unmarshal(payload, &sub); err != nil {
				s.reply(sess, 0, nil, invalid("listen", "malformed subscription: %v", err))
				continue
			}
			if !lo.Contains(Streams, sub.Stream) {
				s.reply(sess, sub.ID, nil, invalid("listen", "unknown stream %q", sub.Stream))
				continue
			}
			if op == opListen {
				s.bind(sub.Stream, sess)
			} else {
				s.unbind(sub.Stream, sess)
			}
			s.reply(sess, sub.ID, nil, nil)

		case opClose:
			logger.Debug().Msg("Client closed")
			return

		default:
			logger.Debug().Uint32("opcode", op).Msg("Ignoring unknown opcode")
		}
	}
}

// dispatch runs one call
func (s *Server) dispatch(ctx context.Context, call Call) (any, error) {
	h, ok := s.methods[call.Method]
	if !ok {
		return nil, &RemoteError{Code: CodeNotImplemented, Message: fmt.Sprintf("unknown method %q", call.Method)}
	}

	start := time.Now()
	value, err := h(ctx, call.Args)

	event := s.logger.Debug()
	if err != nil {
		event = s.logger.Info().Err(err)
	}
	event.Str("method", call.Method).Dur("took", time.Since(start)).Msg("Call handled")
	return value, err
}

func (s *Server) routes() map[string]handler {
	c := s.ctrl
	return map[string]handler{
		MethodInitialize: noArgs(c.Initialize),
		MethodLoadFile: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				FilePath *string `json:"filePath"`
			}
			if err := decodeArgs(MethodLoadFile, raw, &args); err != nil {
				return nil, err
			}
			if args.FilePath == nil {
				return nil, invalid(MethodLoadFile, "missing filePath")
			}
			if err := c.LoadFile(ctx, *args.FilePath); err != nil {
				return nil, err
			}
			return true, nil
		},
		MethodLoadAsset: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				AssetPath *string `json:"assetPath"`
			}
			if err := decodeArgs(MethodLoadAsset, raw, &args); err != nil {
				return nil, err
			}
			if args.AssetPath == nil {
				return nil, invalid(MethodLoadAsset, "missing assetPath")
			}
			if err := c.LoadAsset(ctx, *args.AssetPath); err != nil {
				return nil, err
			}
			return true, nil
		},
		MethodPlay:  noArgs(c.Play),
		MethodPause: noArgs(c.Pause),
		MethodStop:  noArgs(c.Stop),
		MethodSeekTo: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				PositionMs *float64 `json:"positionMs"`
			}
			if err := decodeArgs(MethodSeekTo, raw, &args); err != nil {
				return nil, err
			}
			if args.PositionMs == nil {
				return nil, invalid(MethodSeekTo, "missing positionMs")
			}
			ms := *args.PositionMs
			if ms != math.Trunc(ms) || math.Abs(ms) > math.MaxInt64/2 {
				return nil, invalid(MethodSeekTo, "positionMs must be an integer, got %v", ms)
			}
			return nil, c.SeekTo(ctx, int64(ms))
		},
		MethodSetSpeed: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Speed *float64 `json:"speed"`
			}
			if err := decodeArgs(MethodSetSpeed, raw, &args); err != nil {
				return nil, err
			}
			if args.Speed == nil {
				return nil, invalid(MethodSetSpeed, "missing speed")
			}
			return nil, c.SetSpeed(ctx, *args.Speed)
		},
		MethodSetVolume: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var args struct {
				Volume *float64 `json:"volume"`
			}
			if err := decodeArgs(MethodSetVolume, raw, &args); err != nil {
				return nil, err
			}
			if args.Volume == nil {
				return nil, invalid(MethodSetVolume, "missing volume")
			}
			return nil, c.SetVolume(ctx, *args.Volume)
		},
		MethodGetCurrentState: func(ctx context.Context, raw json.RawMessage) (any, error) {
			return c.State().String(), nil
		},
		MethodGetCurrentInfo: func(ctx context.Context, raw json.RawMessage) (any, error) {
			return c.Info(ctx), nil
		},
		MethodDispose: noArgs(c.Dispose),
	}
}

func noArgs(fn func(ctx context.Context) error) handler {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return nil, fn(ctx)
	}
}

func decodeArgs(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return invalid(method, "malformed arguments: %v", err)
	}
	return nil
}

func invalid(op, format string, args ...any) error {
	return &playback.Error{Kind: playback.KindInvalidArgument, Op: op, Message: fmt.Sprintf(format, args...)}
}

// reply writes a result frame
func (s *Server) reply(sess *session, id uint64, value any, err error) {
	res := Result{ID: id}
	if err != nil {
		res.Error = errorPayload(err)
	} else {
		data, mErr := json.Marshal(value)
		if mErr != nil {
			res.Error = &ErrorPayload{Code: "INTERNAL", Message: mErr.Error()}
		} else {
			res.Value = data
		}
	}

	if err := sess.send(opResult, res); err != nil {
		s.logger.Debug().Err(err).Uint64("id", id).Msg("Failed to send result")
	}
}

func errorPayload(err error) *ErrorPayload {
	var pe *playback.Error
	if errors.As(err, &pe) {
		msg := pe.Message
		if msg == "" {
			msg = strings.ToLower(strings.ReplaceAll(string(pe.Kind), "_", " "))
		}
		if pe.Err != nil {
			msg += ": " + pe.Err.Error()
		}
		return &ErrorPayload{Code: pe.Code(), Message: msg}
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return &ErrorPayload{Code: re.Code, Message: re.Message}
	}
	return &ErrorPayload{Code: "INTERNAL", Message: err.Error()}
}

// publish sends data to the stream's listener, if any
func (s *Server) publish(stream string, data any) {
	s.mu.Lock()
	sess := s.listeners[stream]
	s.mu.Unlock()
	if sess == nil {
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Debug().Err(err).Str("stream", stream).Msg("Failed to encode event")
		return
	}
	if err := sess.send(opEvent, Event{Stream: stream, Data: payload}); err != nil {
		s.logger.Debug().Err(err).Str("stream", stream).Msg("Failed to deliver event")
	}
}

// bind makes sess the listener of stream, replacing any previous one
func (s *Server) bind(stream string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.listeners[stream]; prev != nil && prev != sess {
		s.logger.Debug().Str("stream", stream).Msg("Replacing stream listener")
	}
	s.listeners[stream] = sess
}

// unbind clears stream if sess is its listener
func (s *Server) unbind(stream string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[stream] == sess {
		delete(s.listeners, stream)
	}
}

// Listening reports whether stream currently has a listener
func (s *Server) Listening(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[stream] != nil
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

// unregister drops sess and every stream it was listening to
func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sess)
	for stream, l := range s.listeners {
		if l == sess {
			delete(s.listeners, stream)
		}
	}
	sess.conn.Close()
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// session is one client connection
type session struct {
	conn    net.Conn
	timeout time.Duration
	wmu     sync.Mutex
}

func (s *session) send(op uint32, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	return writeFrame(s.conn, op, payload)
}
