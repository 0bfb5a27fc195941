package blob

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPagePath(t *testing.T) {
	t.Parallel()

	p := PagePath("tenant-1", "run-1", "Acme.COM", "https://acme.com/team")
	require.True(t, strings.HasPrefix(p, "tenants/tenant-1/runs/run-1/acme.com/"))
	require.True(t, strings.HasSuffix(p, ".html"))

	// Same URL hashes to the same path, different URLs diverge.
	require.Equal(t, p, PagePath("tenant-1", "run-1", "Acme.COM", "https://acme.com/team"))
	require.NotEqual(t, p, PagePath("tenant-1", "run-1", "Acme.COM", "https://acme.com/about"))
}

func TestMemoryPutObject(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	uri, err := s.PutObject(context.Background(), "tenants/t1/page.html", "text/html", strings.NewReader("<html>"))
	require.NoError(t, err)
	require.Equal(t, "memory://tenants/t1/page.html", uri)

	content, ok := s.Get("tenants/t1/page.html")
	require.True(t, ok)
	require.Equal(t, "<html>", string(content))
	require.Equal(t, 1, s.Len())
}

func TestFSPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := NewFS(dir)
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "tenants/t1/page.html", "text/html", strings.NewReader("<html>"))
	require.NoError(t, err)
	require.Equal(t, "file://"+filepath.Join(dir, "tenants", "t1", "page.html"), uri)

	content, err := os.ReadFile(filepath.Join(dir, "tenants", "t1", "page.html"))
	require.NoError(t, err)
	require.Equal(t, "<html>", string(content))
}

func TestFSRejectsEscapingPath(t *testing.T) {
	t.Parallel()

	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../outside.html", "text/html", strings.NewReader("x"))
	require.Error(t, err)
}

func TestNewFSRequiresDirectory(t *testing.T) {
	t.Parallel()

	_, err := NewFS("")
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = NewFS(file)
	require.Error(t, err)
}
