package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeDomain lowercases, trims, and punycodes a domain. Official
// domains are always stored in this ASCII form.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimSuffix(d, ".")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if d == "" {
		return "", fmt.Errorf("empty domain")
	}
	if strings.ContainsAny(d, " @") {
		return "", fmt.Errorf("invalid domain %q", domain)
	}
	ascii, err := idna.Lookup.ToASCII(d)
	if err != nil {
		return "", fmt.Errorf("punycode %q: %w", domain, err)
	}
	return ascii, nil
}

// NormalizeEmail splits and normalizes an address: local part trimmed
// and lowercased so one mailbox has one canonical form, domain part
// punycoded and lowercased.
func NormalizeEmail(email string) (local, domain, full string, err error) {
	s := strings.TrimSpace(email)
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return "", "", "", fmt.Errorf("invalid email %q", email)
	}
	local = strings.ToLower(s[:at])
	domain, err = NormalizeDomain(s[at+1:])
	if err != nil {
		return "", "", "", err
	}
	return local, domain, local + "@" + domain, nil
}

// DedupeDomains normalizes a domain list, drops invalid entries, and
// removes duplicates preserving order. Returns the rejected raw values.
func DedupeDomains(raw []string) (domains []string, rejected []string) {
	seen := make(map[string]struct{}, len(raw))
	for _, r := range raw {
		d, err := NormalizeDomain(r)
		if err != nil {
			rejected = append(rejected, r)
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	return domains, rejected
}
