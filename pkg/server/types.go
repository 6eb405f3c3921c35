package server

import (
	"net/http"
	"net/url"

	"github.com/dev-proxy/pkg/config"
	"github.com/dev-proxy/pkg/metrics"
	"github.com/dev-proxy/pkg/routing"
	"github.com/prometheus/client_golang/prometheus"
)

// ProxyServer dev proxy server
type ProxyServer struct {
	cfg   *config.Config
	table *routing.Table

	// proxies holds one reverse proxy per rule, keyed by prefix.
	// Built once in NewProxyServer and never mutated.
	proxies map[string]http.Handler

	// fallback serves requests no rule matched; nil means 404.
	fallback       http.Handler
	fallbackTarget *url.URL

	registry  *prometheus.Registry
	collector *metrics.Collector
}

// RuleInfo is the JSON form of a rule served on /rules.
type RuleInfo struct {
	Prefix       string `json:"prefix"`
	Target       string `json:"target"`
	ChangeOrigin bool   `json:"change_origin"`
	Secure       bool   `json:"secure"`
}
