package app

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crestwell/leadpipe/internal/blob"
	"github.com/crestwell/leadpipe/internal/config"
	"github.com/crestwell/leadpipe/internal/events"
)

func TestNewRejectsUnparsableDSN(t *testing.T) {
	t.Parallel()
	var cfg config.Config
	cfg.DB.DSN = "://not-a-dsn"

	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, ErrDatabase)
}

func TestInitBlobProviders(t *testing.T) {
	t.Parallel()
	a := &App{}
	ctx := context.Background()

	var cfg config.Config
	cfg.Blob.Provider = "memory"
	bl, err := a.initBlob(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &blob.Memory{}, bl)

	cfg.Blob.Provider = "fs"
	cfg.Blob.Dir = t.TempDir()
	bl, err = a.initBlob(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, bl)

	cfg.Blob.Provider = "s3"
	_, err = a.initBlob(ctx, cfg)
	require.Error(t, err)
}

func TestInitBlobAppliesPrefix(t *testing.T) {
	t.Parallel()
	a := &App{}
	var cfg config.Config
	cfg.Blob.Provider = "memory"
	cfg.Blob.Prefix = "pages"

	bl, err := a.initBlob(context.Background(), cfg)
	require.NoError(t, err)

	uri, err := bl.PutObject(context.Background(), "tenants/t1/x.html", "text/html",
		bytes.NewReader([]byte("<html></html>")))
	require.NoError(t, err)
	require.Contains(t, uri, "pages/tenants/t1/x.html")
}

func TestInitEventsProviders(t *testing.T) {
	t.Parallel()
	a := &App{}
	ctx := context.Background()

	var cfg config.Config
	cfg.Events.Provider = "none"
	pub, err := a.initEvents(ctx, cfg)
	require.NoError(t, err)
	require.Nil(t, pub)

	cfg.Events.Provider = "memory"
	pub, err = a.initEvents(ctx, cfg)
	require.NoError(t, err)
	require.IsType(t, &events.Memory{}, pub)

	cfg.Events.Provider = "kafka"
	_, err = a.initEvents(ctx, cfg)
	require.Error(t, err)
}
