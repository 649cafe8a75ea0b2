// Package proxy exposes partially cached URLs over a loopback HTTP
// server that speaks Range requests.
//
// Each target URL is percent-encoded as a single path segment of the
// local URL. Consumers such as media players request ranges from the
// local URL; the proxy serves cached blocks from disk and downloads
// missing ones on demand through the partial-file manager.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/meigma/webcache/partial"
)

// DefaultAddr binds the proxy to the loopback interface on an
// ephemeral port.
const DefaultAddr = "127.0.0.1:0"

// ErrNotStarted is returned by methods that need a running server.
var ErrNotStarted = errors.New("proxy: server not started")

// Server is the loopback range proxy.
type Server struct {
	manager *partial.Manager
	logger  *slog.Logger
	addr    string

	mu sync.Mutex
	ln net.Listener
	hs *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. The default is 127.0.0.1 on an
// ephemeral port.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a Server serving ranges through m. Call Start to begin
// listening.
func New(m *partial.Manager, opts ...Option) *Server {
	s := &Server{
		manager: m,
		addr:    DefaultAddr,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Start binds the listener and serves requests until Stop.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return errors.New("proxy: already started")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("proxy: listening on %s: %w", s.addr, err)
	}

	// Path cleaning would collapse the "//" of a decoded target URL.
	router := mux.NewRouter().SkipClean(true)
	router.PathPrefix("/").Methods(http.MethodGet).HandlerFunc(s.handleGet)

	s.ln = ln
	s.hs = &http.Server{Handler: router}
	go func() {
		if err := s.hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("proxy server stopped", "error", err)
		}
	}()
	s.log().Info("proxy listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down and force-releases every open partial
// file.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	hs := s.hs
	s.ln = nil
	s.hs = nil
	s.mu.Unlock()
	if hs == nil {
		return ErrNotStarted
	}
	err := hs.Shutdown(ctx)
	s.manager.Clear()
	return err
}

// BaseURL returns the root URL of the running server.
func (s *Server) BaseURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return "http://" + s.ln.Addr().String()
}

// EncodeURL returns the local URL that serves target through the
// proxy. The target is percent-encoded as a single path segment.
func (s *Server) EncodeURL(target string) string {
	return s.BaseURL() + "/" + url.PathEscape(target)
}

// DecodeURL recovers the target URL from a request path: the leading
// slash is stripped and the rest percent-decoded.
func DecodeURL(r *http.Request) (string, error) {
	raw := strings.TrimPrefix(r.URL.EscapedPath(), "/")
	target, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("proxy: decoding target url: %w", err)
	}
	if target == "" {
		return "", errors.New("proxy: empty target url")
	}
	return target, nil
}

// handleGet serves one range request. Failures in one request are
// contained: the handler recovers panics, logs, and closes the
// response without affecting sibling requests.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if v := recover(); v != nil {
			s.log().Error("request handler panicked", "path", r.URL.Path, "panic", v)
		}
	}()

	target, err := DecodeURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f, err := s.manager.Open(r.Context(), target)
	if err != nil {
		s.log().Warn("opening partial file", "url", target, "error", err)
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer f.Close()

	length := f.Length()
	start, end, hasRange, err := parseRange(r.Header.Get("Range"), length)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	copyHeaders(w.Header(), f.ResponseHeaders())
	if start >= length {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", length))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start, 10))
	if hasRange {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end-1, length))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	body, err := f.ReadRange(r.Context(), start, end)
	if err != nil {
		s.log().Warn("starting range read", "url", target, "error", err)
		return
	}
	defer body.Close()
	if _, err := io.Copy(w, body); err != nil {
		s.log().Debug("streaming range", "url", target, "error", err)
	}
}

// copyHeaders forwards the upstream response headers, skipping the
// ones the proxy computes itself.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Content-Range", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
