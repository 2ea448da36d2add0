package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLiteConfig configures the SQLite journal.
type SQLiteConfig struct {
	// DSN is the database connection string, usually a file path.
	DSN string

	// RetentionAge deletes entries older than this duration (0 = no age pruning).
	RetentionAge time.Duration

	// RetentionCount keeps at most this many entries per executor (0 = no count pruning).
	RetentionCount int

	// PruneInterval is how often to run pruning (default 1 hour).
	PruneInterval time.Duration

	// Clock supplies the current time for entries and age pruning (default: wall clock).
	Clock clock.Clock
}

// SQLiteJournal persists entries to a SQLite database in WAL mode, with an
// optional background pruner enforcing the retention settings.
type SQLiteJournal struct {
	db   *sql.DB
	cfg  SQLiteConfig
	stop chan struct{}
	done chan struct{}
}

// OpenSQLite opens (or creates) a SQLite journal.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteJournal, error) {
	if cfg.PruneInterval == 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	// Lanes append concurrently; a single connection serializes them
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, multierr.Append(fmt.Errorf("journal: set WAL mode: %w", err), db.Close())
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, multierr.Append(fmt.Errorf("journal: create schema: %w", err), db.Close())
	}

	j := &SQLiteJournal{
		db:   db,
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	if cfg.RetentionAge > 0 || cfg.RetentionCount > 0 {
		go j.pruneLoop()
	} else {
		close(j.done)
	}
	return j, nil
}

// Append stores an entry.
func (j *SQLiteJournal) Append(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = j.cfg.Clock.Now()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO failures (id, time, executor, handler, payload_kind, summary, error, panicked, duration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Time.UnixNano(),
		e.Executor,
		e.Handler,
		e.PayloadKind,
		e.Summary,
		e.Error,
		e.Panicked,
		int64(e.Duration),
	)
	if err != nil {
		return fmt.Errorf("journal: append: %w", err)
	}
	return nil
}

// List returns entries in Seq order, optionally filtered.
func (j *SQLiteJournal) List(ctx context.Context, executor string, afterSeq uint64, limit int) ([]Entry, error) {
	query := `SELECT seq, id, time, executor, handler, payload_kind, summary, error, panicked, duration
	           FROM failures WHERE seq > ?`
	args := []any{afterSeq}
	if executor != "" {
		query += " AND executor = ?"
		args = append(args, executor)
	}
	query += " ORDER BY seq ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: list: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Executors returns the distinct executor names with entries.
func (j *SQLiteJournal) Executors(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT DISTINCT executor FROM failures ORDER BY executor`)
	if err != nil {
		return nil, fmt.Errorf("journal: executors: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("journal: scan executor: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Close stops the pruner, checkpoints the WAL and closes the database.
func (j *SQLiteJournal) Close() error {
	select {
	case <-j.stop:
	default:
		close(j.stop)
	}
	<-j.done

	_, err := j.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		err = fmt.Errorf("journal: checkpoint: %w", err)
	}
	return multierr.Append(err, j.db.Close())
}

// Prune runs a single pruning pass.
func (j *SQLiteJournal) Prune(ctx context.Context) error {
	if j.cfg.RetentionAge > 0 {
		cutoff := j.cfg.Clock.Now().Add(-j.cfg.RetentionAge).UnixNano()
		if _, err := j.db.ExecContext(ctx, `DELETE FROM failures WHERE time < ?`, cutoff); err != nil {
			return fmt.Errorf("journal: prune by age: %w", err)
		}
	}

	if j.cfg.RetentionCount > 0 {
		names, err := j.Executors(ctx)
		if err != nil {
			return fmt.Errorf("journal: prune: %w", err)
		}
		for _, name := range names {
			if _, err := j.db.ExecContext(ctx,
				`DELETE FROM failures WHERE executor = ? AND seq NOT IN (
					SELECT seq FROM failures WHERE executor = ? ORDER BY seq DESC LIMIT ?
				)`, name, name, j.cfg.RetentionCount,
			); err != nil {
				return fmt.Errorf("journal: prune by count for %s: %w", name, err)
			}
		}
	}
	return nil
}

func (j *SQLiteJournal) pruneLoop() {
	defer close(j.done)

	ticker := j.cfg.Clock.Ticker(j.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			_ = j.Prune(context.Background())
		}
	}
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			unixNano int64
			duration int64
		)
		err := rows.Scan(
			&e.Seq,
			&e.ID,
			&unixNano,
			&e.Executor,
			&e.Handler,
			&e.PayloadKind,
			&e.Summary,
			&e.Error,
			&e.Panicked,
			&duration,
		)
		if err != nil {
			return nil, fmt.Errorf("journal: scan entry: %w", err)
		}
		e.Time = time.Unix(0, unixNano).UTC()
		e.Duration = time.Duration(duration)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Compile-time interface check.
var _ Journal = (*SQLiteJournal)(nil)
