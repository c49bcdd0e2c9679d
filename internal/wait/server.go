// Package wait implements the WAIT line: browsers hold HTTP
// connections on identifiers and receive pushed data as JSON (long
// poll, Server-Sent Events) or WebSocket frames.
package wait

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/dgnsrekt/realplexor/internal/protocol"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

// maxFormSize bounds a POSTed identifier form.
const maxFormSize = 64 * 1024

// Config tunes the WAIT line.
type Config struct {
	Addr        string
	Marker      string
	WaitTimeout time.Duration
	WSEnabled   bool
	SSEEnabled  bool
}

// Registry is the part of the hub listeners attach to.
type Registry interface {
	Register(l storage.Listener, pairs []storage.Pair)
	Unregister(l storage.Listener)
}

// Server serves the WAIT line.
type Server struct {
	cfg     Config
	hub     Registry
	parser  *protocol.Parser
	encoder *Encoder
	logger  *zap.Logger
}

// NewServer creates a Server.
func NewServer(cfg Config, h Registry, parser *protocol.Parser, logger *zap.Logger) (*Server, error) {
	if cfg.Marker == "" {
		cfg.Marker = protocol.DefaultMarker
	}
	enc, err := NewEncoder()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		parser:  parser,
		encoder: enc,
		logger:  logger,
	}, nil
}

// Close releases encoder resources.
func (s *Server) Close() {
	s.encoder.Close()
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(zapLoggerMiddleware(s.logger, s.cfg.Marker))

	longPoll := gzhttp.GzipHandler(http.HandlerFunc(s.handleLongPoll))
	r.Method(http.MethodGet, "/", longPoll)
	r.Method(http.MethodPost, "/", longPoll)

	if s.cfg.WSEnabled {
		r.Get("/ws", s.handleWS)
	}
	if s.cfg.SSEEnabled {
		r.Get("/sse", s.handleSSE)
	}
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled. Request contexts derive
// from ctx so held connections end with it.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("WAIT line listening", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down WAIT line: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("WAIT line stopped")
	return nil
}

// identifierValue finds the marker in the query string, or in a
// urlencoded POST body.
func (s *Server) identifierValue(r *http.Request) (string, error) {
	if v := r.URL.Query().Get(s.cfg.Marker); v != "" {
		return v, nil
	}
	if r.Method != http.MethodPost {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFormSize))
	if err != nil {
		return "", err
	}
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return "", err
	}
	return values.Get(s.cfg.Marker), nil
}

// attach parses the request identifiers and registers a listener.
func (s *Server) attach(w http.ResponseWriter, r *http.Request, oneShot bool) (*listener, bool) {
	value, err := s.identifierValue(r)
	if err != nil {
		http.Error(w, "reading request: "+err.Error(), http.StatusBadRequest)
		return nil, false
	}
	header := s.parser.ParseIdentifier(value)
	if len(header.Pairs) == 0 {
		http.Error(w, protocol.ErrEmptyIdentifier.Error(), http.StatusBadRequest)
		return nil, false
	}

	l := newListener(uuid.New().String(), oneShot)
	s.hub.Register(l, header.Pairs)

	s.logger.Debug("listener attached",
		zap.String("connID", l.connID),
		zap.Strings("ids", header.IDs()),
		zap.Bool("oneShot", oneShot),
	)
	return l, true
}

func (s *Server) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	l, ok := s.attach(w, r, true)
	if !ok {
		return
	}
	defer s.hub.Unregister(l)

	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")

	select {
	case parts := <-l.send:
		body, err := EncodeJSON(parts)
		if err != nil {
			s.logger.Error("failed to encode parts", zap.Error(err))
			http.Error(w, "encoding failed", http.StatusInternalServerError)
			return
		}
		w.Write(body)
	case <-l.dropped:
	case <-timer.C:
	case <-r.Context().Done():
	}
}

func zapLoggerMiddleware(logger *zap.Logger, marker string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", maskCredentials(r.URL.RawQuery, marker)),
				zap.String("requestID", middleware.GetReqID(r.Context())),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// maskCredentials hides the password of a login:password@ prefix in
// the marker value.
func maskCredentials(rawQuery, marker string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	v := values.Get(marker)
	at := strings.LastIndexByte(v, '@')
	if at < 0 {
		return rawQuery
	}
	if login, _, ok := strings.Cut(v[:at], ":"); ok {
		values.Set(marker, login+":****"+v[at:])
	}
	return values.Encode()
}
