package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/storage"
)

func testConfig(t *testing.T, addr string) config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{"REDIS_ADDR": addr, "QUEUE_NAMESPACE": "apptest"})
	require.NoError(t, err)
	return cfg
}

func TestNew_WiresQueueWithoutHistory(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(context.Background(), testConfig(t, mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.History)
	id, err := a.Queue.Enqueue(context.Background(), domain.EnqueueRequest{Type: "echo"})
	require.NoError(t, err)
	assert.True(t, mr.Exists("{apptest}:job:"+id))
}

func TestRun_StopsWhenALoopFails(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(context.Background(), testConfig(t, mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	var cancelled atomic.Bool
	boom := errors.New("boom")
	err = a.Run(context.Background(),
		func(context.Context) error { return boom },
		func(ctx context.Context) error {
			<-ctx.Done()
			cancelled.Store(true)
			return nil
		},
	)
	assert.ErrorIs(t, err, boom)
	assert.True(t, cancelled.Load())
}

func TestClose_FlushesHistoryBeforeClosingDB(t *testing.T) {
	mr := miniredis.RunT(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	history := storage.NewHistoryStore(db, 8, zap.NewNop())
	a := &App{
		Logger:  zap.NewNop(),
		Redis:   r.NewClient(&r.Options{Addr: mr.Addr()}),
		History: history,
		db:      db,
	}

	mock.ExpectExec("insert into job_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectClose()
	history.Observe(context.Background(), domain.Event{JobID: "j1", To: domain.Succeeded})

	require.NoError(t, a.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}
