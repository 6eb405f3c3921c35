package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dev-proxy/pkg/logging"
	"github.com/dev-proxy/pkg/metrics"
	"github.com/dev-proxy/pkg/proxy"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handler returns the proxy listener's handler: every path goes through the
// rule table.
func (s *ProxyServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/*", http.HandlerFunc(s.ServeHTTP))
	return r
}

// ServeHTTP dispatches a request to the first matching rule, the fallback
// target, or answers 404.
func (s *ProxyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var (
		label    string
		upstream string
		handler  http.Handler
	)
	if m, ok := s.table.Match(r.URL.Path); ok {
		label = m.Rule.Prefix
		upstream = m.Rule.Forwarded(r.URL.Path, r.URL.RawQuery)
		handler = s.proxies[label]
	} else {
		s.collector.RecordUnmatched()
		if s.fallback == nil {
			logging.Debugf("[request] no route method=%s path=%s", r.Method, r.URL.Path)
			http.Error(w, fmt.Sprintf("no route found for %s", r.URL.Path), http.StatusNotFound)
			return
		}
		label = metrics.FallbackRule
		upstream = s.fallbackTarget.String() + r.URL.RequestURI()
		handler = s.fallback
	}

	if timeout := s.cfg.GetRequestTimeout(); timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	rec := newStatusRecorder(w)
	s.collector.IncActive(label)
	// Deferred so aborted streams (http.ErrAbortHandler) are recorded too
	defer func() {
		s.collector.DecActive(label)
		duration := time.Since(start)
		s.collector.RecordRequest(label, r.Method, rec.Status(), rec.bytes, duration)
		logging.Logf("[request] rule=%s method=%s path=%s upstream=%s status=%d bytes=%d dur=%s",
			label, r.Method, r.URL.Path, upstream, rec.Status(), rec.bytes, duration.Round(time.Millisecond))
	}()

	handler.ServeHTTP(rec, r)
}

func (s *ProxyServer) onUpstreamError(rule, reason string, err error) {
	s.collector.RecordUpstreamError(rule, reason)
	if reason == proxy.ReasonCanceled {
		logging.Debugf("[upstream] client canceled rule=%s: %v", rule, err)
		return
	}
	logging.Errorf("[upstream] rule=%s reason=%s: %v", rule, reason, err)
}

// Run listens on addr and serves until ctx is canceled.
func (s *ProxyServer) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logging.Logf("[listen] proxy addr=%s", ln.Addr())
	return s.Serve(ctx, ln)
}

// Serve serves the proxy handler on ln until ctx is canceled, then shuts
// down gracefully.
func (s *ProxyServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.GetReadHeaderTimeout(),
	}
	return serve(ctx, srv, ln, s.cfg.GetShutdownTimeout())
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
