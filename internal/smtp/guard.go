// Package smtp performs RCPT-stage mailbox probing. A probe speaks the
// minimum dialog needed for a verdict and never sends DATA.
package smtp

import "strings"

// HostGuard restricts which exchangers may be dialed. An empty
// allowlist permits every host; a populated one limits probing to exact
// matches and subdomains, which keeps staging environments from
// touching real mail infrastructure.
type HostGuard struct {
	allowed []string
}

// NewHostGuard builds a guard from allowlist entries.
func NewHostGuard(allowed []string) *HostGuard {
	cleaned := make([]string, 0, len(allowed))
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(a, ".")))
		if a != "" {
			cleaned = append(cleaned, a)
		}
	}
	return &HostGuard{allowed: cleaned}
}

// Allowed reports whether host may be dialed.
func (g *HostGuard) Allowed(host string) bool {
	if g == nil || len(g.allowed) == 0 {
		return true
	}
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, a := range g.allowed {
		if h == a || strings.HasSuffix(h, "."+a) {
			return true
		}
	}
	return false
}
