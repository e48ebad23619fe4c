// Package safeurl validates and sanitizes relay source URLs: only the
// schemes the relay speaks are accepted, and credentials embedded in a URL
// never reach the logs.
package safeurl

import (
	"net/url"
	"strings"
)

// IsRelayScheme reports whether u is a valid URL with a scheme the relay
// can pull from: http for upstream servers, udp/multicast for raw
// transport-stream input. Anything else (file://, https we do not speak,
// typos) is rejected at configuration time.
func IsRelayScheme(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "udp", "multicast":
		return true
	}
	return false
}

// Redact returns u with any userinfo replaced by "***" for logging.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.User == nil {
		return u
	}
	// url.User would percent-encode the marker, so splice it in by hand.
	parsed.User = nil
	s := parsed.String()
	prefix := parsed.Scheme + "://"
	if !strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + "***@" + s[len(prefix):]
}
