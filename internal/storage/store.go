// Package storage keeps an optional Postgres log of job transitions. Redis
// stays the only coordinating store; the log is written after the fact and
// losing a row never affects a job.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Open returns a pool over the pgx driver and checks the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return db, nil
}

// Migrate applies every pending migration in dir.
func Migrate(db *sql.DB, dir string) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("storage: goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

const writeTimeout = 3 * time.Second

type HistoryStore struct {
	db     *sql.DB
	logger *zap.Logger
	events chan domain.Event
}

// NewHistoryStore buffers up to buffer events for Run to write.
func NewHistoryStore(db *sql.DB, buffer int, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger.Named("history"), events: make(chan domain.Event, buffer)}
}

const insertEvent = `insert into job_events(job_id, type, priority, from_state, to_state, attempt, error, at)
values ($1, $2, $3, $4, $5, $6, $7, $8)`

// Record writes one event synchronously.
func (s *HistoryStore) Record(ctx context.Context, ev domain.Event) error {
	_, err := s.db.ExecContext(ctx, insertEvent,
		ev.JobID, ev.Type, string(ev.Priority), string(ev.From), string(ev.To), ev.Attempt, ev.Error, ev.At)
	if err != nil {
		return fmt.Errorf("storage: record event for %s: %w", ev.JobID, err)
	}
	return nil
}

// Observe queues ev for Run without blocking. When the buffer is full the
// event is dropped.
func (s *HistoryStore) Observe(_ context.Context, ev domain.Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("history buffer full, event dropped",
			zap.String("job_id", ev.JobID), zap.String("to", string(ev.To)))
	}
}

// Run writes queued events until ctx is done, then flushes what is left.
// Events observed after Run returns stay buffered until Flush.
func (s *HistoryStore) Run(ctx context.Context) error {
	for {
		select {
		case ev := <-s.events:
			s.write(ev)
		case <-ctx.Done():
			s.Flush()
			return nil
		}
	}
}

// Flush writes every buffered event and returns the number written or
// attempted. Call it once producers have stopped, before closing the db.
func (s *HistoryStore) Flush() int {
	n := 0
	for {
		select {
		case ev := <-s.events:
			s.write(ev)
			n++
		default:
			if n > 0 {
				s.logger.Debug("history flushed", zap.Int("events", n))
			}
			return n
		}
	}
}

func (s *HistoryStore) write(ev domain.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Record(ctx, ev); err != nil {
		s.logger.Warn("history write failed", zap.Error(err))
	}
}

// Events returns the recorded transitions of one job, oldest first.
func (s *HistoryStore) Events(ctx context.Context, jobID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `select job_id, type, priority, from_state, to_state, attempt, error, at
  from job_events
 where job_id = $1
 order by at asc, id asc`, jobID)
	if err != nil {
		return nil, fmt.Errorf("storage: events for %s: %w", jobID, err)
	}
	defer rows.Close()

	out := []domain.Event{}
	for rows.Next() {
		var ev domain.Event
		var prio, from, to string
		if err := rows.Scan(&ev.JobID, &ev.Type, &prio, &from, &to, &ev.Attempt, &ev.Error, &ev.At); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Priority, ev.From, ev.To = domain.Priority(prio), domain.State(from), domain.State(to)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: events for %s: %w", jobID, err)
	}
	return out, nil
}
