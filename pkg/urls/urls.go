// Package urls provides utility functions for working with URLs.
package urls

import (
	"net/url"
	"strings"
)

const (
	schemeHTTP  = "http"
	schemeHTTPS = "https"
)

// IsURLValid reports whether raw is an absolute http(s) URL with a host.
func IsURLValid(raw string) bool {
	u, err := url.Parse(raw)

	return err == nil && u.Host != "" && (u.Scheme == schemeHTTP || u.Scheme == schemeHTTPS)
}

// FixURL prepends the https scheme to a URL without one.
// Example: youtu.be/abc => https://youtu.be/abc
func FixURL(raw string) string {
	if strings.Contains(raw, "://") {
		return raw
	}

	u, err := url.Parse(schemeHTTPS + "://" + raw)
	if err != nil {
		return raw
	}

	return u.String()
}

// Normalize trims spaces, adds a missing scheme and re-encodes the URL.
func Normalize(raw string) string {
	raw = FixURL(strings.TrimSpace(raw))

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	return u.String()
}
