package proxy

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/dev-proxy/pkg/config"
	"github.com/dev-proxy/pkg/routing"
)

// Options controls how upstream requests are made.
type Options struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConnsPerHost   int
	XForwarded            bool

	// Transport overrides the transport built from the timeouts above.
	Transport http.RoundTripper

	// OnError is called for every upstream transport error with the rule
	// label and the classified reason.
	OnError func(rule, reason string, err error)
}

// OptionsFromConfig builds Options from the proxy section of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DialTimeout:           cfg.GetDialTimeout(),
		TLSHandshakeTimeout:   cfg.GetTLSHandshakeTimeout(),
		ResponseHeaderTimeout: cfg.GetResponseHeaderTimeout(),
		IdleConnTimeout:       cfg.GetIdleConnTimeout(),
		MaxIdleConnsPerHost:   cfg.Proxy.MaxIdleConnsPerHost,
		XForwarded:            cfg.Proxy.XForwarded,
	}
}

// NewTransport returns an upstream transport. Certificates are verified
// unless secure is false.
func NewTransport(secure bool, opts Options) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   opts.TLSHandshakeTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !secure, //nolint:gosec
		},
	}
}

// New returns a reverse proxy for a rule: the prefix is stripped once, the
// target origin replaces the local one and the response is streamed back
// unmodified.
func New(rule *routing.Rule, opts Options) *httputil.ReverseProxy {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(rule.Secure, opts)
	}
	target := rule.Target
	origin := rule.Origin()

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			in, out := pr.In, pr.Out

			out.URL.Scheme = target.Scheme
			out.URL.Host = target.Host
			out.URL.Path = rule.UpstreamPath(in.URL.Path)
			out.URL.RawPath = ""
			if in.URL.RawPath != "" {
				out.URL.RawPath = rule.UpstreamRawPath(in.URL.RawPath)
			}
			out.URL.RawQuery = in.URL.RawQuery

			if rule.ChangeOrigin {
				out.Host = target.Host
				if out.Header.Get("Origin") != "" {
					out.Header.Set("Origin", origin)
				}
			} else {
				out.Host = in.Host
			}

			if opts.XForwarded {
				pr.SetXForwarded()
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  errorHandler(rule.Prefix, opts.OnError),
	}
}

// NewFallback returns a reverse proxy that forwards requests unchanged to
// target, e.g. a bundler dev server. The inbound Host is kept.
func NewFallback(target *url.URL, secure bool, opts Options) *httputil.ReverseProxy {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(secure, opts)
	}
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = pr.In.Host
			if opts.XForwarded {
				pr.SetXForwarded()
			}
		},
		Transport:     transport,
		FlushInterval: -1,
		ErrorHandler:  errorHandler(FallbackLabel, opts.OnError),
	}
}

// FallbackLabel names the fallback target in logs and errors.
const FallbackLabel = "fallback"

func errorHandler(label string, onError func(rule, reason string, err error)) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		reason := ClassifyError(err)
		// The transport doesn't always wrap the context error
		if ctxErr := r.Context().Err(); ctxErr != nil {
			reason = ClassifyError(ctxErr)
		}
		if onError != nil {
			onError(label, reason, err)
		}
		http.Error(w, fmt.Sprintf("upstream %s: %v", label, err), StatusForReason(reason))
	}
}
