// Package blob stores raw fetched page HTML outside the relational
// database. Source rows keep only the returned URI.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Store writes an artifact and returns a stable URI for it.
type Store interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Prefixed namespaces every object under a fixed path prefix so one
// bucket can host several deployments.
type Prefixed struct {
	Next   Store
	Prefix string
}

// PutObject implements Store.
func (p Prefixed) PutObject(ctx context.Context, path, contentType string, data io.Reader) (string, error) {
	if p.Prefix != "" {
		path = strings.TrimSuffix(p.Prefix, "/") + "/" + path
	}
	return p.Next.PutObject(ctx, path, contentType, data)
}

// PagePath builds the canonical object path for one fetched page. The
// URL is hashed so the path stays filesystem and bucket safe.
func PagePath(tenantID, runID, domain, pageURL string) string {
	sum := sha256.Sum256([]byte(pageURL))
	return fmt.Sprintf("tenants/%s/runs/%s/%s/%s.html",
		tenantID, runID, strings.ToLower(domain), hex.EncodeToString(sum[:8]))
}
