package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestPostgresKVIncrWithTTL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery(`INSERT INTO rate_counters`).
		WithArgs("sem:global", float64(60)).
		WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow(int64(3)))

	kv := NewPostgresKV(mock)
	n, err := kv.IncrWithTTL(context.Background(), "sem:global", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKVDecr(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE rate_counters`).
		WithArgs("sem:mx:mx1.example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	kv := NewPostgresKV(mock)
	require.NoError(t, kv.Decr(context.Background(), "sem:mx:mx1.example.com"))
	require.NoError(t, mock.ExpectationsWereMet())
}
