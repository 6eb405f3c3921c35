package routing

import (
	"fmt"
	"strings"
)

// ParseRulesString parses the compact rule list format used by PROXY_RULES
// and --rule.
//
// Supported formats (comma-separated):
//  1. prefix=target          -> e.g. "/mb=https://musicbrainz.org"
//  2. prefix=target;insecure -> upstream TLS certificates are not verified
//  3. prefix=target;keep-host -> inbound Host/Origin headers are kept
//
// Options after ";" can be combined ("/x=https://x.test;insecure;keep-host").
// Empty items are skipped.
func ParseRulesString(s string) ([]RuleConfig, error) {
	out := make([]RuleConfig, 0)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rc, err := ParseRuleString(part)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

// ParseRuleString parses a single "prefix=target[;option...]" item.
func ParseRuleString(s string) (RuleConfig, error) {
	fields := strings.Split(strings.TrimSpace(s), ";")
	idx := strings.Index(fields[0], "=")
	if idx == -1 {
		return RuleConfig{}, fmt.Errorf("invalid rule %q: want prefix=target", s)
	}

	rc := RuleConfig{
		Prefix: strings.TrimSpace(fields[0][:idx]),
		Target: strings.TrimSpace(fields[0][idx+1:]),
	}
	if rc.Prefix == "" || rc.Target == "" {
		return RuleConfig{}, fmt.Errorf("invalid rule %q: want prefix=target", s)
	}

	for _, opt := range fields[1:] {
		switch strings.ToLower(strings.TrimSpace(opt)) {
		case "":
		case "insecure":
			rc.Secure = boolPtr(false)
		case "keep-host":
			rc.ChangeOrigin = boolPtr(false)
		default:
			return RuleConfig{}, fmt.Errorf("invalid rule %q: unknown option %q", s, opt)
		}
	}
	return rc, nil
}

func boolPtr(b bool) *bool {
	return &b
}
