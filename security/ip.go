package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP address used as the rate-limit identifier.
// X-Forwarded-For and X-Real-IP are only honored when trustProxy is set;
// otherwise the direct connection address is used, so a client cannot spoof
// its way out of a rate-limit bucket.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			// Leftmost entry is the originating client
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if net.ParseIP(first) != nil {
				return first
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			if net.ParseIP(xri) != nil {
				return xri
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr without a port (some test servers)
		return r.RemoteAddr
	}
	return host
}
