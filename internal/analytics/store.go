// Package analytics keeps daily usage counters in SQLite. Events are counted
// in memory and flushed in batches so the request path never waits on disk.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	_ "modernc.org/sqlite"
)

const dayLayout = "2006-01-02"

// Count is one row of the analytics table.
type Count struct {
	Event     string
	IsCommand bool
	Day       string
	Count     int64
}

type key struct {
	event     string
	isCommand bool
	day       string
}

// Store wraps the SQLite analytics table. A disabled store accepts events and
// drops them.
type Store struct {
	db    *sql.DB
	cfg   config.AnalyticsConfig
	log   *slog.Logger
	clock func() time.Time

	mu      sync.Mutex
	pending map[key]int64

	stop chan struct{}
	wg   sync.WaitGroup
}

// Open initializes the store according to config.
func Open(ctx context.Context, cfg config.AnalyticsConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "analytics"))
	s := &Store{cfg: cfg, log: log, clock: time.Now, pending: make(map[key]int64)}
	if !cfg.Enabled {
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("analytics vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("analytics prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS analytics (
    event TEXT NOT NULL,
    is_command BOOLEAN NOT NULL,
    date_collected TEXT NOT NULL,
    count INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (event, is_command, date_collected)
);
CREATE INDEX IF NOT EXISTS idx_analytics_date ON analytics(date_collected);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) Enabled() bool { return s.db != nil }

// Log counts one occurrence of event for today.
func (s *Store) Log(event string, isCommand bool) {
	if s.db == nil {
		return
	}
	k := key{event: event, isCommand: isCommand, day: s.clock().UTC().Format(dayLayout)}
	s.mu.Lock()
	s.pending[k]++
	s.mu.Unlock()
}

// Flush writes buffered counts. Counts that fail to write are kept for the
// next attempt.
func (s *Store) Flush(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[key]int64)
	s.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	defer func() {
		if err != nil {
			s.requeue(batch)
		}
	}()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO analytics(event, is_command, date_collected, count)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(event, is_command, date_collected) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	for k, n := range batch {
		if _, err = stmt.ExecContext(ctx, k.event, k.isCommand, k.day, n); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) requeue(batch map[key]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, n := range batch {
		s.pending[k] += n
	}
}

// Start flushes on the configured interval until Close.
func (s *Store) Start(ctx context.Context) {
	if s.db == nil || s.stop != nil {
		return
	}
	interval := time.Duration(s.cfg.FlushIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.Flush(ctx); err != nil {
					s.log.Warn("analytics flush failed", slog.String("error", err.Error()))
				}
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Counts returns stored counts for day, ordered by event.
func (s *Store) Counts(ctx context.Context, day time.Time) ([]Count, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, is_command, date_collected, count FROM analytics
		 WHERE date_collected = ? ORDER BY event ASC, is_command ASC`, day.UTC().Format(dayLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Event, &c.IsCommand, &c.Day, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Totals sums every stored day per event, including unflushed counts.
func (s *Store) Totals(ctx context.Context) (map[string]int64, error) {
	totals := make(map[string]int64)
	if s.db == nil {
		return totals, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT event, SUM(count) FROM analytics GROUP BY event`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			event string
			n     int64
		)
		if err := rows.Scan(&event, &n); err != nil {
			return nil, err
		}
		totals[event] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	for k, n := range s.pending {
		totals[k.event] += n
	}
	s.mu.Unlock()
	return totals, nil
}

// Events lists the event names with stored counts.
func (s *Store) Events(ctx context.Context) ([]string, error) {
	totals, err := s.Totals(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Prune drops days older than the configured retention.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Format(dayLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM analytics WHERE date_collected < ?`, cutoff)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		s.log.Info("analytics pruned", slog.Int64("rows", n), slog.String("before", cutoff))
	}
	return nil
}

// Close stops the flush loop, writes what is buffered and releases the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
		s.stop = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("final analytics flush failed", slog.String("error", err.Error()))
	}
	return s.db.Close()
}
