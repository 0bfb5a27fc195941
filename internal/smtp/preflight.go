package smtp

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/pipeline"
)

// maxPreflightAddrs bounds how many resolved addresses one preflight
// will dial.
const maxPreflightAddrs = 2

// Dialer abstracts net.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// IPLookuper resolves a host to IP addresses.
type IPLookuper interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Preflight answers "is outbound port 25 to this exchanger reachable"
// with a cheap TCP connect before any SMTP dialog is attempted. Cloud
// egress commonly blackholes port 25, and a fast verdict here routes
// the email to the fallback verifier instead of burning the probe
// timeout.
type Preflight struct {
	dialer  Dialer
	lookup  IPLookuper
	timeout time.Duration
	port    int
	log     *zap.Logger
}

// NewPreflight builds a Preflight. Nil dependencies get stdlib defaults.
func NewPreflight(dialer Dialer, lookup IPLookuper, timeout time.Duration, log *zap.Logger) *Preflight {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Preflight{dialer: dialer, lookup: lookup, timeout: timeout, port: 25, log: log}
}

// WithPort overrides the target port. Tests point it at a local listener.
func (p *Preflight) WithPort(port int) *Preflight {
	p.port = port
	return p
}

// Check dials up to two resolved addresses of mxHost, IPv4 before IPv6.
// Any successful connect passes; exhausting the candidates yields a
// tcp25_blocked error.
func (p *Preflight) Check(ctx context.Context, mxHost string) error {
	ips, err := p.lookup.LookupIP(ctx, "ip", mxHost)
	if err != nil || len(ips) == 0 {
		return pipeline.NewError(pipeline.KindNoMX,
			fmt.Sprintf("resolving %s for preflight", mxHost), err)
	}

	var lastErr error
	for _, ip := range orderIPs(ips) {
		addr := net.JoinHostPort(ip.String(), fmt.Sprintf("%d", p.port))
		dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
		conn, derr := p.dialer.DialContext(dialCtx, "tcp", addr)
		cancel()
		if derr == nil {
			if cerr := conn.Close(); cerr != nil {
				p.log.Debug("closing preflight connection", zap.Error(cerr))
			}
			return nil
		}
		lastErr = derr
		if ctx.Err() != nil {
			break
		}
	}
	return pipeline.NewError(pipeline.KindTCP25Blocked,
		fmt.Sprintf("port %d unreachable on %s", p.port, mxHost), lastErr)
}

// orderIPs puts IPv4 candidates first and caps the list.
func orderIPs(ips []net.IP) []net.IP {
	ordered := make([]net.IP, 0, len(ips))
	for _, ip := range ips {
		if ip.To4() != nil {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range ips {
		if ip.To4() == nil {
			ordered = append(ordered, ip)
		}
	}
	if len(ordered) > maxPreflightAddrs {
		ordered = ordered[:maxPreflightAddrs]
	}
	return ordered
}
