// Package mx resolves the mail exchangers for a domain and tracks what
// is known about each provider's SMTP behavior.
package mx

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crestwell/leadpipe/internal/clock"
	"github.com/crestwell/leadpipe/internal/metrics"
	"github.com/crestwell/leadpipe/internal/pipeline"
)

// DNS is the lookup surface the resolver needs. *net.Resolver satisfies
// it; tests substitute a fake.
type DNS interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Result is a completed MX resolution for one domain.
type Result struct {
	Domain     string
	Hosts      []string
	LowestMX   string
	Method     string // "mx" or "a_fallback"
	Confidence int
	ResolvedAt time.Time
}

type cachedResult struct {
	result    Result
	err       error
	expiresAt time.Time
}

// Resolver answers "where does mail for this domain go" with a short
// in-process cache so a burst of probes against one domain does a
// single DNS round trip.
type Resolver struct {
	dns      DNS
	freemail map[string]struct{}
	cacheTTL time.Duration
	clock    clock.Clock
	log      *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedResult
}

// NewResolver builds a Resolver. extraFreemail extends the built-in
// consumer-provider denylist.
func NewResolver(dns DNS, extraFreemail []string, clk clock.Clock, log *zap.Logger) *Resolver {
	if dns == nil {
		dns = net.DefaultResolver
	}
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	fm := make(map[string]struct{}, len(freemailDomains)+len(extraFreemail))
	for _, d := range freemailDomains {
		fm[d] = struct{}{}
	}
	for _, d := range extraFreemail {
		fm[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return &Resolver{
		dns:      dns,
		freemail: fm,
		cacheTTL: 10 * time.Minute,
		clock:    clk,
		log:      log,
		cache:    make(map[string]cachedResult),
	}
}

// IsFreemail reports whether domain belongs to a consumer mail provider.
// Freemail domains are never probed.
func (r *Resolver) IsFreemail(domain string) bool {
	_, ok := r.freemail[strings.ToLower(domain)]
	return ok
}

// Resolve returns the mail exchangers for domain. A domain with no MX
// but a resolvable A/AAAA record falls back to the implicit exchanger
// per RFC 5321; a domain with neither yields a no_mx error.
func (r *Resolver) Resolve(ctx context.Context, domain string) (Result, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return Result{}, pipeline.Errorf(pipeline.KindValidation, "empty domain")
	}
	if r.IsFreemail(domain) {
		return Result{}, pipeline.Errorf(pipeline.KindValidation,
			"freemail domain %s is not probed", domain)
	}

	now := r.clock.Now()
	r.mu.Lock()
	if c, ok := r.cache[domain]; ok && now.Before(c.expiresAt) {
		r.mu.Unlock()
		return c.result, c.err
	}
	r.mu.Unlock()

	result, err := r.resolve(ctx, domain)

	// Context failures are not verdicts about the domain, so skip caching.
	if ctx.Err() == nil {
		r.mu.Lock()
		r.cache[domain] = cachedResult{result: result, err: err, expiresAt: now.Add(r.cacheTTL)}
		r.mu.Unlock()
	}
	return result, err
}

func (r *Resolver) resolve(ctx context.Context, domain string) (Result, error) {
	records, err := r.dns.LookupMX(ctx, domain)
	if err == nil && len(records) > 0 {
		sort.SliceStable(records, func(i, j int) bool { return records[i].Pref < records[j].Pref })
		hosts := make([]string, 0, len(records))
		seen := make(map[string]struct{}, len(records))
		for _, rec := range records {
			h := strings.ToLower(strings.TrimSuffix(rec.Host, "."))
			if h == "" || h == "." {
				continue
			}
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			hosts = append(hosts, h)
		}
		if len(hosts) > 0 {
			metrics.ObserveMXLookup("mx")
			return Result{
				Domain:     domain,
				Hosts:      hosts,
				LowestMX:   hosts[0],
				Method:     "mx",
				Confidence: 90,
				ResolvedAt: r.clock.Now(),
			}, nil
		}
	}

	// A "null MX" (single record ".") is an explicit opt-out of mail.
	if err == nil && len(records) > 0 && strings.TrimSuffix(records[0].Host, ".") == "" {
		metrics.ObserveMXLookup("null_mx")
		return Result{}, pipeline.Errorf(pipeline.KindNoMX, "domain %s publishes a null MX", domain)
	}

	if addrs, aerr := r.dns.LookupHost(ctx, domain); aerr == nil && len(addrs) > 0 {
		metrics.ObserveMXLookup("a_fallback")
		r.log.Debug("using implicit MX fallback", zap.String("domain", domain))
		return Result{
			Domain:     domain,
			Hosts:      []string{domain},
			LowestMX:   domain,
			Method:     "a_fallback",
			Confidence: 40,
			ResolvedAt: r.clock.Now(),
		}, nil
	}

	metrics.ObserveMXLookup("no_mx")
	return Result{}, pipeline.NewError(pipeline.KindNoMX,
		"no mail exchanger for "+domain, err)
}

// freemailDomains is the built-in consumer-provider denylist.
var freemailDomains = []string{
	"gmail.com", "googlemail.com", "yahoo.com", "yahoo.co.uk", "ymail.com",
	"hotmail.com", "hotmail.co.uk", "outlook.com", "live.com", "msn.com",
	"aol.com", "icloud.com", "me.com", "mac.com",
	"protonmail.com", "proton.me", "pm.me",
	"gmx.com", "gmx.de", "gmx.net", "mail.com", "zoho.com",
	"yandex.com", "yandex.ru", "mail.ru",
	"comcast.net", "verizon.net", "att.net", "sbcglobal.net", "cox.net",
	"web.de", "t-online.de", "orange.fr", "free.fr", "wanadoo.fr",
	"qq.com", "163.com", "126.com", "sina.com", "rediffmail.com",
}
