package gamesocket

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Handler serves one accepted socket. Handle owns the socket and should
// return once it is done with it.
type Handler interface {
	Handle(conn *net.TCPConn)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn *net.TCPConn)

// Handle calls fn(conn).
func (fn HandlerFunc) Handle(conn *net.TCPConn) {
	fn(conn)
}

// Server accepts TCP connections and hands each one to a Handler on its
// own goroutine.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration

	handlers  sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the server's logger.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption bounds how long Serve waits, once it stops
// accepting, for running handlers to return. Zero, the default, returns
// without waiting. Close cuts the wait short.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// Listen binds a TCP listener to addr.
func Listen(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %v", addr)
	}

	s := &Server{
		listener: listener,
		logger:   defaultLogger(),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve accepts connections until ctx ends or Close is called, then drains
// running handlers as configured by ServerShutdownTimeoutOption. It returns
// ctx.Err() after a cancellation, nil after Close, and the accept error
// otherwise. Temporary accept errors are retried with backoff.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.Addr())

	accepting := make(chan struct{})
	defer close(accepting)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.closed:
		case <-accepting:
			return
		}
		_ = s.listener.Close()
	}()

	var backoff time.Duration
	for {
		raw, err := s.listener.AcceptTCP()
		if err != nil {
			if s.stopping(ctx) {
				break
			}
			var netErr net.Error
			if !errors.As(err, &netErr) || !netErr.Timeout() {
				s.logger.Error("accept failed", "addr", s.Addr(), "error", err)
				return errors.Wrap(err, "accept")
			}
			backoff = min(max(2*backoff, minAcceptBackoff), maxAcceptBackoff)
			s.logger.Warn("accept failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			case <-s.closed:
			}
			continue
		}
		backoff = 0

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		_ = raw.SetNoDelay(true)
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			handler.Handle(raw)
		}()
	}

	s.drain()
	s.logger.Info("server stopped", "addr", s.Addr())
	return ctx.Err()
}

func (s *Server) stopping(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

// drain waits for running handlers, bounded by the shutdown timeout.
func (s *Server) drain() {
	if s.shutdownTimeout <= 0 {
		return
	}
	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		s.logger.Warn("handlers still running after shutdown timeout", "timeout", s.shutdownTimeout)
	case <-s.closed:
		s.logger.Debug("handler drain cut short by Close")
	}
}

// Close stops accepting and cuts any handler drain short. It does not
// close connections already handed to a Handler.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	})
	return err
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// ConnHandler is a Handler that wraps every accepted socket in a Conn and
// runs it until the socket closes or the handler's context ends.
type ConnHandler struct {
	ctx    context.Context
	opts   []Option
	logger Logger

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewConnHandler returns a handler building connections from opt. The
// options are validated once here so that misconfiguration surfaces before
// the first client connects.
func NewConnHandler(ctx context.Context, opt ...Option) (*ConnHandler, error) {
	opts := newOptions(opt)
	if err := checkOptions(&opts); err != nil {
		return nil, err
	}
	return &ConnHandler{
		ctx:    ctx,
		opts:   opt,
		logger: opts.logger,
		conns:  make(map[*Conn]struct{}),
	}, nil
}

// Handle runs a Conn for raw. It returns when the connection ends.
func (h *ConnHandler) Handle(raw *net.TCPConn) {
	c, err := NewConn(raw, h.opts...)
	if err != nil {
		h.logger.Error("create connection", "remote_addr", raw.RemoteAddr(), "error", err)
		_ = raw.Close()
		return
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.conns, c)
		h.mu.Unlock()
		h.wg.Done()
	}()

	_ = c.Run(h.ctx)
}

// Conns returns the live connections.
func (h *ConnHandler) Conns() []*Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Len returns the number of live connections.
func (h *ConnHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every live connection and waits for their Run to return.
func (h *ConnHandler) CloseAll() {
	for _, c := range h.Conns() {
		_ = c.Close()
	}
	h.wg.Wait()
}
