package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryRecordsInOrder(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ctx := context.Background()

	id, err := m.Publish(ctx, Event{Kind: KindRunStarted, TenantID: "tenant-1", RunID: "run-1", At: time.Now()})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	_, err = m.Publish(ctx, Event{Kind: KindDomainDone, TenantID: "tenant-1", RunID: "run-1", Domain: "acme.com"})
	require.NoError(t, err)
	_, err = m.Publish(ctx, Event{Kind: KindRunFinished, TenantID: "tenant-1", RunID: "run-1", Status: "succeeded"})
	require.NoError(t, err)

	require.Len(t, m.Events(), 3)
	finished := m.ByKind(KindRunFinished)
	require.Len(t, finished, 1)
	require.Equal(t, "succeeded", finished[0].Status)
}

func TestNopPublish(t *testing.T) {
	t.Parallel()

	id, err := Nop{}.Publish(context.Background(), Event{Kind: KindRunStarted})
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestNewPubSubRequiresTopic(t *testing.T) {
	t.Parallel()

	_, err := NewPubSub(nil)
	require.Error(t, err)
}
