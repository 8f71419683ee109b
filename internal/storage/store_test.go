package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

var at = time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

func sampleEvent() domain.Event {
	return domain.Event{
		JobID: "j1", Type: "echo", Priority: domain.High,
		From: domain.Claimed, To: domain.RetryWait, Attempt: 1, Error: "boom", At: at,
	}
}

func TestHistoryStore_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 1, zap.NewNop())

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("insert into job_events(job_id, type, priority, from_state, to_state, attempt, error, at)")).
			WithArgs("j1", "echo", "high", "claimed", "retry_wait", int64(1), "boom", at).
			WillReturnResult(sqlmock.NewResult(1, 1))

		assert.NoError(t, s.Record(context.Background(), sampleEvent()))
	})

	t.Run("Error", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("insert into job_events")).
			WillReturnError(errors.New("relation does not exist"))

		err := s.Record(context.Background(), sampleEvent())
		assert.ErrorContains(t, err, "relation does not exist")
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_Events(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 1, zap.NewNop())

	cols := []string{"job_id", "type", "priority", "from_state", "to_state", "attempt", "error", "at"}
	rows := sqlmock.NewRows(cols).
		AddRow("j1", "echo", "high", "", "queued", 0, "", at).
		AddRow("j1", "echo", "high", "queued", "claimed", 0, "", at.Add(time.Second))
	mock.ExpectQuery(regexp.QuoteMeta("select job_id, type, priority, from_state, to_state, attempt, error, at")).
		WithArgs("j1").
		WillReturnRows(rows)

	evs, err := s.Events(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, domain.State(""), evs[0].From)
	assert.Equal(t, domain.Queued, evs[0].To)
	assert.Equal(t, domain.Claimed, evs[1].To)
	assert.Equal(t, domain.High, evs[1].Priority)
	assert.Equal(t, at.Add(time.Second), evs[1].At)

	mock.ExpectQuery(regexp.QuoteMeta("select job_id")).WithArgs("none").
		WillReturnRows(sqlmock.NewRows(cols))
	evs, err = s.Events(context.Background(), "none")
	require.NoError(t, err)
	assert.NotNil(t, evs)
	assert.Empty(t, evs)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_ObserveAndRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 4, zap.NewNop())

	for range 2 {
		mock.ExpectExec(regexp.QuoteMeta("insert into job_events")).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	s.Observe(ctx, sampleEvent())
	s.Observe(ctx, sampleEvent())

	require.Eventually(t, func() bool { return mock.ExpectationsWereMet() == nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestHistoryStore_RunFlushesOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 4, zap.NewNop())

	mock.ExpectExec(regexp.QuoteMeta("insert into job_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.Observe(context.Background(), sampleEvent())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_FlushWritesEventsObservedAfterRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 4, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	// A worker finishing its last job after the writer stopped.
	mock.ExpectExec(regexp.QuoteMeta("insert into job_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	s.Observe(context.Background(), sampleEvent())

	assert.Equal(t, 1, s.Flush())
	assert.Equal(t, 0, s.Flush())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHistoryStore_ObserveDropsWhenFull(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := NewHistoryStore(db, 1, zap.NewNop())

	s.Observe(context.Background(), sampleEvent())
	s.Observe(context.Background(), sampleEvent())
	assert.Len(t, s.events, 1)
}
