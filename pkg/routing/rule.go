package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// RuleConfig is the on-disk form of a proxy rule.
type RuleConfig struct {
	Prefix       string `yaml:"prefix"`        // Local path prefix, e.g. "/lfm"
	Target       string `yaml:"target"`        // Upstream origin, e.g. "https://www.last.fm"
	ChangeOrigin *bool  `yaml:"change_origin"` // Present the target's Host/Origin upstream (default true)
	Secure       *bool  `yaml:"secure"`        // Verify upstream TLS certificates (default true)
}

// Rule maps a local path prefix to an upstream origin.
// A Rule is immutable once built by NewRule.
type Rule struct {
	Prefix       string
	Target       *url.URL
	ChangeOrigin bool
	Secure       bool
}

// DefaultRules returns the built-in rule table: Last.fm, MusicBrainz,
// Cover Art Archive and iTunes Search.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{Prefix: "/lfm", Target: "https://www.last.fm"},
		{Prefix: "/mb", Target: "https://musicbrainz.org"},
		{Prefix: "/caa", Target: "https://coverartarchive.org"},
		{Prefix: "/itunes", Target: "https://itunes.apple.com"},
	}
}

// NewRule validates a RuleConfig and converts it into a Rule.
func NewRule(cfg RuleConfig) (*Rule, error) {
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		return nil, errors.New("empty prefix")
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("prefix %q must start with /", prefix)
	}

	target, err := ParseTarget(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("prefix %q: %w", prefix, err)
	}

	rule := &Rule{
		Prefix:       prefix,
		Target:       target,
		ChangeOrigin: true,
		Secure:       true,
	}
	if cfg.ChangeOrigin != nil {
		rule.ChangeOrigin = *cfg.ChangeOrigin
	}
	if cfg.Secure != nil {
		rule.Secure = *cfg.Secure
	}
	return rule, nil
}

// ParseTarget parses an upstream origin. It must be an absolute http(s) URL
// without query or fragment; a base path is allowed.
func ParseTarget(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("empty target")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target %q must use http or https", raw)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target %q has no host", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return nil, fmt.Errorf("target %q must not carry a query or fragment", raw)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = strings.TrimSuffix(u.RawPath, "/")
	return u, nil
}

// Matches reports whether path starts with the rule's prefix.
func (r *Rule) Matches(path string) bool {
	return strings.HasPrefix(path, r.Prefix)
}

// StripPrefix removes the rule prefix from path once. Paths that don't carry
// the prefix are returned unchanged. The result always starts with "/".
func (r *Rule) StripPrefix(path string) string {
	if !r.Matches(path) {
		return path
	}
	rest := path[len(r.Prefix):]
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// Origin returns scheme://host of the target.
func (r *Rule) Origin() string {
	return r.Target.Scheme + "://" + r.Target.Host
}

// UpstreamPath returns the target base path joined with the stripped local path.
func (r *Rule) UpstreamPath(path string) string {
	return joinPath(r.Target.Path, r.StripPrefix(path))
}

// UpstreamRawPath is UpstreamPath for an escaped path. The prefix may itself
// be percent-encoded in rawPath. It returns "" when rawPath doesn't decode to
// a path carrying the prefix.
func (r *Rule) UpstreamRawPath(rawPath string) string {
	rest, ok := r.stripEscapedPrefix(rawPath)
	if !ok {
		return ""
	}
	return joinPath(r.Target.EscapedPath(), rest)
}

// stripEscapedPrefix removes the shortest leading part of rawPath that
// decodes to the prefix.
func (r *Rule) stripEscapedPrefix(rawPath string) (string, bool) {
	for i := len(r.Prefix); i <= len(rawPath); i++ {
		head, err := url.PathUnescape(rawPath[:i])
		if err != nil {
			// cut inside a %XX escape
			continue
		}
		if len(head) > len(r.Prefix) || head != r.Prefix[:len(head)] {
			break
		}
		if head == r.Prefix {
			rest := rawPath[i:]
			if !strings.HasPrefix(rest, "/") {
				rest = "/" + rest
			}
			return rest, true
		}
	}
	return "", false
}

// Forwarded returns the upstream URL for a local path and raw query.
func (r *Rule) Forwarded(path, rawQuery string) string {
	u := *r.Target
	u.Path = r.UpstreamPath(path)
	u.RawPath = ""
	u.RawQuery = rawQuery
	return u.String()
}

func (r *Rule) String() string {
	return fmt.Sprintf("%s -> %s", r.Prefix, r.Target.String())
}

// joinPath joins a target base path with a stripped request path.
func joinPath(base, path string) string {
	if base == "" {
		return path
	}
	if path == "/" {
		return base + "/"
	}
	return base + path
}
