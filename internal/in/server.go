package in

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dgnsrekt/realplexor/internal/auth"
	"github.com/dgnsrekt/realplexor/internal/protocol"
)

const readBufferSize = 4096

// ServerConfig tunes the IN listener.
type ServerConfig struct {
	Addr string

	// MaxLen bounds the bytes buffered per connection.
	MaxLen int

	// Timeout closes a connection idle for that long.
	Timeout time.Duration

	// CloseDelay is the gap between the half-close after a reply and
	// the hard close.
	CloseDelay time.Duration

	// AcceptRate limits accepted connections per second (0 = unlimited).
	AcceptRate float64
}

// Server accepts publisher connections and drives an In per
// connection.
type Server struct {
	cfg      ServerConfig
	hub      Hub
	accounts *auth.Accounts
	parser   *protocol.Parser
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	addr  net.Addr
	ready chan struct{}
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig, h Hub, accounts *auth.Accounts, parser *protocol.Parser, logger *zap.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := int(cfg.AcceptRate * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return &Server{
		cfg:      cfg,
		hub:      h,
		accounts: accounts,
		parser:   parser,
		limiter:  limiter,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
		ready:    make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Addr blocks until the server is listening and returns its address.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// Serve accepts connections on ln until ctx is cancelled. Open
// connections are closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.addr = ln.Addr()
	close(s.ready)
	s.logger.Info("IN line listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	defer s.shutdown()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
			return err
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) shutdown() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Info("IN line stopped")
}

func (s *Server) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	connID := uuid.New().String()
	logger := s.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	resp := &connResponder{conn: conn, delay: s.cfg.CloseDelay, logger: logger}
	machine := New(connID, s.hub, s.accounts, s.parser, resp, s.cfg.MaxLen, logger)

	defer func() {
		s.track(conn, false)
		if !resp.responded {
			conn.Close()
		}
	}()

	buf := make([]byte, readBufferSize)
	for !machine.State().Done() {
		if s.cfg.Timeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			if rerr := machine.OnRead(buf[:n]); rerr != nil {
				var authErr *AuthError
				if errors.As(rerr, &authErr) {
					logger.Info("access denied", zap.String("login", authErr.Login), zap.Error(rerr))
				} else {
					logger.Warn("protocol error", zap.Error(rerr))
				}
				return
			}
		}
		if err == nil {
			continue
		}

		var ne net.Error
		switch {
		case errors.Is(err, io.EOF):
			machine.OnClose()
		case errors.As(err, &ne) && ne.Timeout():
			logger.Debug("timeout")
			machine.OnTimeout()
		default:
			machine.OnError(err)
		}
		return
	}
}

// connResponder writes the single reply, half-closes and hard-closes
// after a delay so the peer can read everything.
type connResponder struct {
	conn      net.Conn
	delay     time.Duration
	logger    *zap.Logger
	responded bool
}

func (r *connResponder) Respond(b []byte) {
	r.responded = true
	if _, err := r.conn.Write(b); err != nil {
		r.logger.Debug("write failed", zap.Error(err))
	}
	if tc, ok := r.conn.(interface{ CloseWrite() error }); ok {
		tc.CloseWrite()
	}
	if r.delay <= 0 {
		r.conn.Close()
		return
	}
	time.AfterFunc(r.delay, func() { r.conn.Close() })
}

func (r *connResponder) StopReading() {
	if tc, ok := r.conn.(interface{ CloseRead() error }); ok {
		tc.CloseRead()
	}
}
