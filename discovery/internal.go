package discovery

import (
	"net"
	"net/url"
	"strings"
)

// internalSuffixes are hostname suffixes treated as internal network names.
var internalSuffixes = []string{
	".local",
	".internal",
	".localdomain",
	".svc",
	".cluster.local",
}

// IsInternalURL reports whether the host of rawURL is only reachable from
// inside the deployment: loopback, private or link-local address ranges, or
// a hostname carrying a known internal suffix or fragment.
//
// The BFF process and the browser may reach the authorization server through
// different network paths, so discovery must go to the internal base URL when
// one is configured while browser redirects always use the public URL.
// Keeping this heuristic as a standalone predicate keeps that policy testable.
func IsInternalURL(rawURL string, extraFragments ...string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := u.Hostname()
	if host == "" {
		return false
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
	}

	lower := strings.ToLower(host)
	for _, suffix := range internalSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}

	for _, fragment := range extraFragments {
		if fragment != "" && strings.Contains(lower, strings.ToLower(fragment)) {
			return true
		}
	}

	return false
}

// BaseURL picks the URL discovery requests should be sent to. When the
// configured server URL is recognizable as internal it is used directly;
// otherwise the externally reachable public URL is used.
func BaseURL(serverURL, publicURL string) string {
	if IsInternalURL(serverURL) {
		return serverURL
	}
	return publicURL
}
