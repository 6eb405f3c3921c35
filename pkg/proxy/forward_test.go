package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dev-proxy/pkg/routing"
)

func startLocalServer(t *testing.T, h http.Handler, useTLS bool) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	if useTLS {
		srv.StartTLS()
	} else {
		srv.Start()
	}
	t.Cleanup(srv.Close)
	return srv
}

func mustRule(t *testing.T, prefix, target string, changeOrigin, secure bool) *routing.Rule {
	t.Helper()
	r, err := routing.NewRule(routing.RuleConfig{
		Prefix:       prefix,
		Target:       target,
		ChangeOrigin: &changeOrigin,
		Secure:       &secure,
	})
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return r
}

type seenRequest struct {
	path    string
	rawPath string
	query   string
	host    string
	origin  string
	xff     string
}

func echoUpstream(t *testing.T, useTLS bool) (*httptest.Server, func() seenRequest) {
	t.Helper()
	var mu sync.Mutex
	var last seenRequest
	srv := startLocalServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		last = seenRequest{
			path:    r.URL.Path,
			rawPath: r.URL.RawPath,
			query:   r.URL.RawQuery,
			host:    r.Host,
			origin:  r.Header.Get("Origin"),
			xff:     r.Header.Get("X-Forwarded-For"),
		}
		mu.Unlock()
		w.Header().Set("X-Upstream", "yes")
		_, _ = w.Write([]byte("upstream:" + r.URL.Path))
	}), useTLS)
	return srv, func() seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func TestProxyStripsPrefixAndChangesOrigin(t *testing.T) {
	upstream, seen := echoUpstream(t, true)
	rule := mustRule(t, "/mb", upstream.URL, true, true)
	p := New(rule, Options{Transport: upstream.Client().Transport})

	req := httptest.NewRequest(http.MethodGet, "/mb/ws/2/artist/123?inc=aliases&fmt=json", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "upstream:/ws/2/artist/123" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream response headers to be passed through")
	}

	got := seen()
	u, _ := url.Parse(upstream.URL)
	if got.host != u.Host {
		t.Errorf("expected upstream Host %q, got %q", u.Host, got.host)
	}
	if got.origin != upstream.URL {
		t.Errorf("expected Origin %q, got %q", upstream.URL, got.origin)
	}
	if got.query != "inc=aliases&fmt=json" {
		t.Errorf("expected query to be preserved, got %q", got.query)
	}
	if got.xff != "" {
		t.Errorf("expected no X-Forwarded-For by default, got %q", got.xff)
	}
}

func TestProxyWithoutOriginHeaderDoesNotAddOne(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/caa", upstream.URL, true, true)
	p := New(rule, Options{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/caa/release/abc/front", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := seen(); got.origin != "" || got.path != "/release/abc/front" {
		t.Errorf("unexpected upstream request %+v", got)
	}
}

func TestProxyKeepHost(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/lfm", upstream.URL, false, true)
	p := New(rule, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/lfm/user/x", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	got := seen()
	if got.host != "localhost:8080" {
		t.Errorf("expected inbound Host to be kept, got %q", got.host)
	}
	if got.origin != "http://localhost:8080" {
		t.Errorf("expected inbound Origin to be kept, got %q", got.origin)
	}
	if got.path != "/user/x" {
		t.Errorf("expected /user/x, got %q", got.path)
	}
}

func TestProxyStripsOnce(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/itunes", upstream.URL, true, true)
	p := New(rule, Options{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/itunes/itunes/search", nil))

	if got := seen().path; got != "/itunes/search" {
		t.Errorf("expected a single strip, got %q", got)
	}
}

func TestProxyEscapedPath(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/mb", upstream.URL, true, true)
	p := New(rule, Options{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mb/ws/2/artist/AC%2FDC", nil))

	got := seen()
	if got.path != "/ws/2/artist/AC/DC" || got.rawPath != "/ws/2/artist/AC%2FDC" {
		t.Errorf("expected escaped path to survive, got path=%q raw=%q", got.path, got.rawPath)
	}
}

func TestProxyEncodedPrefix(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/mb", upstream.URL, true, true)
	p := New(rule, Options{})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/%6Db/a%2Fb", nil))

	got := seen()
	if got.path != "/a/b" || got.rawPath != "/a%2Fb" {
		t.Errorf("expected encoded slash to survive an escaped prefix, got path=%q raw=%q", got.path, got.rawPath)
	}
}

func TestProxyXForwarded(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	rule := mustRule(t, "/mb", upstream.URL, true, true)
	p := New(rule, Options{XForwarded: true})

	req := httptest.NewRequest(http.MethodGet, "/mb/x", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if got := seen().xff; got != "192.0.2.10" {
		t.Errorf("expected X-Forwarded-For 192.0.2.10, got %q", got)
	}
}

func TestProxyPassesUpstreamErrorsThrough(t *testing.T) {
	upstream := startLocalServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"rate limited"}`))
	}), false)
	rule := mustRule(t, "/mb", upstream.URL, true, true)

	var calls int
	p := New(rule, Options{OnError: func(string, string, error) { calls++ }})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mb/ws/2/artist/1", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected upstream 503, got %d", rec.Code)
	}
	if rec.Body.String() != `{"error":"rate limited"}` {
		t.Errorf("expected upstream body unmodified, got %q", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Error("expected upstream headers unmodified")
	}
	if calls != 0 {
		t.Errorf("upstream status codes are not transport errors, got %d OnError calls", calls)
	}
}

func TestProxyVerifiesTLS(t *testing.T) {
	upstream, _ := echoUpstream(t, true)
	rule := mustRule(t, "/lfm", upstream.URL, true, true)

	var gotRule, gotReason string
	p := New(rule, Options{
		DialTimeout:         time.Second,
		TLSHandshakeTimeout: time.Second,
		OnError: func(rule, reason string, err error) {
			gotRule, gotReason = rule, reason
		},
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lfm/x", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for untrusted certificate, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "upstream /lfm") {
		t.Errorf("expected error to name the rule, got %q", rec.Body.String())
	}
	if gotRule != "/lfm" || gotReason != ReasonTLS {
		t.Errorf("expected OnError(/lfm, tls), got (%q, %q)", gotRule, gotReason)
	}
}

func TestProxyInsecureSkipsVerification(t *testing.T) {
	upstream, _ := echoUpstream(t, true)
	rule := mustRule(t, "/lfm", upstream.URL, true, false)
	p := New(rule, Options{DialTimeout: time.Second, TLSHandshakeTimeout: time.Second})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lfm/x", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with secure=false, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestProxyUnreachableUpstream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("skipping network-bound test: cannot bind loopback socket: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	rule := mustRule(t, "/mb", "http://"+addr, true, true)
	var gotReason string
	p := New(rule, Options{
		DialTimeout: time.Second,
		OnError:     func(_, reason string, _ error) { gotReason = reason },
	})

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mb/x", nil))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if gotReason != ReasonRefused {
		t.Errorf("expected refused, got %q", gotReason)
	}
}

func TestFallbackForwardsUnchanged(t *testing.T) {
	upstream, seen := echoUpstream(t, false)
	target, _ := url.Parse(upstream.URL)
	p := NewFallback(target, true, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://localhost:8080/src/main.ts?t=1", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	got := seen()
	if got.path != "/src/main.ts" || got.query != "t=1" {
		t.Errorf("expected path and query unchanged, got %+v", got)
	}
	if got.host != "localhost:8080" {
		t.Errorf("expected inbound Host to be kept, got %q", got.host)
	}
}

func TestFallbackSecure(t *testing.T) {
	upstream, _ := echoUpstream(t, true)
	target, _ := url.Parse(upstream.URL)
	opts := Options{DialTimeout: time.Second, TLSHandshakeTimeout: time.Second}

	rec := httptest.NewRecorder()
	NewFallback(target, true, opts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/src/main.ts", nil))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502 for an untrusted fallback certificate, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewFallback(target, false, opts).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/src/main.ts", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with verification off, got %d: %s", rec.Code, rec.Body.String())
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.Canceled, ReasonCanceled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), ReasonTimeout},
		{&net.OpError{Op: "dial", Err: timeoutErr{}}, ReasonTimeout},
		{&net.DNSError{Err: "no such host", Name: "nope.invalid"}, ReasonDNS},
		{errors.New("boom"), ReasonOther},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestStatusForReason(t *testing.T) {
	if StatusForReason(ReasonTimeout) != http.StatusGatewayTimeout {
		t.Error("expected 504 for timeouts")
	}
	for _, r := range []string{ReasonTLS, ReasonRefused, ReasonDNS, ReasonOther, ReasonCanceled} {
		if StatusForReason(r) != http.StatusBadGateway {
			t.Errorf("expected 502 for %s", r)
		}
	}
}
