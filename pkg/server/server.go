package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/dev-proxy/pkg/config"
	"github.com/dev-proxy/pkg/logging"
	"github.com/dev-proxy/pkg/metrics"
	"github.com/dev-proxy/pkg/proxy"
	"github.com/dev-proxy/pkg/routing"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewProxyServer creates a new proxy server
func NewProxyServer(cfg *config.Config) (*ProxyServer, error) {
	return newProxyServer(cfg, proxy.OptionsFromConfig(cfg))
}

func newProxyServer(cfg *config.Config, opts proxy.Options) (*ProxyServer, error) {
	table, err := routing.NewTable(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build rule table: %w", err)
	}

	registry := prometheus.NewRegistry()
	server := &ProxyServer{
		cfg:      cfg,
		table:    table,
		proxies:  make(map[string]http.Handler, table.Len()),
		registry: registry,
	}

	server.collector = metrics.NewCollector(table.Len)
	registry.MustRegister(server.collector)

	opts.OnError = server.onUpstreamError
	for _, rule := range table.Rules() {
		server.proxies[rule.Prefix] = proxy.New(rule, opts)
	}

	if cfg.Server.FallbackTarget != "" {
		target, err := routing.ParseTarget(cfg.Server.FallbackTarget)
		if err != nil {
			return nil, fmt.Errorf("invalid fallback target: %w", err)
		}
		server.fallbackTarget = target
		server.fallback = proxy.NewFallback(target, cfg.IsFallbackSecure(), opts)
	}

	return server, nil
}

// Rules returns the active rules in table order.
func (s *ProxyServer) Rules() []RuleInfo {
	rules := s.table.Rules()
	out := make([]RuleInfo, 0, len(rules))
	for _, r := range rules {
		out = append(out, RuleInfo{
			Prefix:       r.Prefix,
			Target:       r.Target.String(),
			ChangeOrigin: r.ChangeOrigin,
			Secure:       r.Secure,
		})
	}
	return out
}

// LogRulesTable prints the rule table and warns about settings that change
// matching or weaken TLS.
func (s *ProxyServer) LogRulesTable() {
	var b strings.Builder
	for _, r := range s.table.Rules() {
		fmt.Fprintf(&b, "{prefix=%s target=%s change_origin=%t secure=%t}", r.Prefix, r.Target, r.ChangeOrigin, r.Secure)
	}
	logging.Logf("[routing] rules count=%d %s", s.table.Len(), b.String())

	for _, o := range s.table.Overlaps() {
		logging.Warnf("[routing] overlapping prefixes first=%s second=%s: first match wins", o.First, o.Second)
	}
	for _, r := range s.table.Rules() {
		if !r.Secure {
			logging.Warnf("[routing] TLS verification disabled for prefix=%s target=%s", r.Prefix, r.Target)
		}
	}
	if s.fallbackTarget != nil {
		logging.Logf("[routing] fallback target=%s", s.fallbackTarget)
	}
}

// MetricsHandler serves metrics, health and the rule table.
func (s *ProxyServer) MetricsHandler(metricsPath string) http.Handler {
	r := chi.NewRouter()
	r.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/rules", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Rules())
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html>
<head><title>Dev Proxy</title></head>
<body>
<h1>Dev Proxy</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
<p><a href="/rules">Rules</a></p>
</body>
</html>`))
	})
	return r
}

// StartMetricsServer starts the metrics server and blocks until ctx is done
func (s *ProxyServer) StartMetricsServer(ctx context.Context, metricsAddr, metricsPath string) error {
	ln, err := net.Listen("tcp", metricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", metricsAddr, err)
	}

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", ln.Addr(), metricsPath)
	srv := &http.Server{
		Handler:           s.MetricsHandler(metricsPath),
		ReadHeaderTimeout: s.cfg.GetReadHeaderTimeout(),
	}
	return serve(ctx, srv, ln, s.cfg.GetShutdownTimeout())
}
