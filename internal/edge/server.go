// Package edge provides the outward HTTP surface. The upstream router
// authenticates callers and forwards their identity in headers; this
// server resolves the tenant actor and relays chat traffic through it.
package edge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mavenhq/agenthost/internal/controller"
	"github.com/mavenhq/agenthost/internal/proxy"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

// Server is the edge HTTP server.
type Server struct {
	registry *controller.Registry
	addr     string
	logger   *log.Logger
}

// Config holds server configuration.
type Config struct {
	Addr     string
	Registry *controller.Registry
}

// New creates an edge server.
func New(cfg Config) *Server {
	return &Server{
		registry: cfg.Registry,
		addr:     cfg.Addr,
		logger:   log.NewWithOptions(os.Stderr, log.Options{Prefix: "edge"}),
	}
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("POST /chat", s.withIdentity(s.handleChat))
	mux.Handle("POST /chat/stream", s.withIdentity(s.handleChatStream))
	mux.Handle("GET /ws/chat", s.withIdentity(s.handleWS))
	mux.Handle("GET /sessions", s.withIdentity(s.handleSessions))

	return s.loggingMiddleware(mux)
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		// No WriteTimeout: streaming and WebSocket responses are
		// open-ended by design.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting edge server", "addr", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	body, err := s.registry.Tenant(id.TenantID).Chat(r.Context(), id.UserID, payload)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	stream, err := s.registry.Tenant(id.TenantID).Stream(r.Context(), id.UserID, payload)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Relay unbuffered. A mid-stream failure just ends the response;
	// the client sees a truncated stream, never replayed events.
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("stream relay ended", "tenant", id.TenantID, "error", err)
			}
			return
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	conn, err := s.registry.Tenant(id.TenantID).DialWS(r.Context(), id.UserID)
	if err != nil {
		if errors.Is(err, proxy.ErrUnavailable) {
			jsonError(w, "Agent unavailable", http.StatusServiceUnavailable)
		} else {
			s.writeFailure(w, r, err)
		}
		return
	}

	if err := proxy.Tunnel(w, r, conn); err != nil {
		s.logger.Warn("websocket tunnel closed", "tenant", id.TenantID, "error", err)
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	body, err := s.registry.Tenant(id.TenantID).Sessions(r.Context(), id.UserID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeFailure maps lifecycle errors to structured JSON responses,
// attaching the diagnostics bundle where one was gathered.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	id := identityFrom(r.Context())
	s.logger.Error("request failed",
		"method", r.Method, "path", r.URL.Path,
		"tenant", id.TenantID, "error", err)

	// An agent 4xx is the agent's verdict on the request; pass the
	// status through instead of dressing it up as a gateway failure.
	var statusErr *proxy.StatusError
	if errors.As(err, &statusErr) && statusErr.Code < http.StatusInternalServerError {
		jsonError(w, "Agent rejected request", statusErr.Code)
		return
	}
	var coldErr *supervisor.ColdStartError
	if errors.As(err, &coldErr) {
		jsonResponse(w, map[string]string{
			"error":       "Agent failed to start",
			"diagnostics": coldErr.Diagnostics.String(),
		}, http.StatusBadGateway)
		return
	}
	var proxErr *proxy.Error
	if errors.As(err, &proxErr) {
		jsonResponse(w, map[string]string{
			"error":       "Agent request failed",
			"diagnostics": proxErr.Diagnostics.String(),
		}, http.StatusBadGateway)
		return
	}
	jsonError(w, "Internal error", http.StatusInternalServerError)
}

// loggingMiddleware logs each request, including queue latency when the
// upstream router stamped X-Request-Start.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		var queued time.Duration
		if v := r.Header.Get("X-Request-Start"); v != "" {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
				queued = start.Sub(time.UnixMilli(ms))
			}
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"queued", queued,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade reach the underlying connection
// through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return hj.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func jsonResponse(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	jsonResponse(w, map[string]string{"error": message}, status)
}
