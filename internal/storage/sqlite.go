package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db    *sql.DB
	log   logx.Logger
	table string
}

func openSQLite(cfg Config, log logx.Logger) (trigger.Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	table := cfg.prefix()
	if !ValidPrefix(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, table: table}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if cfg.AutoCreate {
		if err := st.migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, strings.ReplaceAll(migrationsSQL, "{{table}}", s.table))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Read(ctx context.Context, dir, name string) (*trigger.Context, error) {
	var (
		ls, la, lc, period, version int64
		bean                        string
		arg                         []byte
		cancelled                   bool
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_scheduled, last_actual, last_completion, period, bean, arg, cancelled, version
		 FROM `+s.table+` WHERE dir = ? AND name = ?`, dir, name,
	).Scan(&ls, &la, &lc, &period, &bean, &arg, &cancelled, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, trigger.ErrNoNode
	}
	if err != nil {
		return nil, err
	}
	return &trigger.Context{
		Name:           name,
		LastScheduled:  fromNanos(ls),
		LastActual:     fromNanos(la),
		LastCompletion: fromNanos(lc),
		Period:         time.Duration(period),
		Bean:           bean,
		Arg:            arg,
		Cancelled:      cancelled,
		Version:        version,
	}, nil
}

func (s *sqliteStore) Create(ctx context.Context, dir, name string, tc *trigger.Context) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+`(dir, name, last_scheduled, last_actual, last_completion, period, bean, arg, cancelled, version)
		 VALUES(?,?,?,?,?,?,?,?,?,1)
		 ON CONFLICT(dir, name) DO NOTHING`,
		dir, name, toNanos(tc.LastScheduled), toNanos(tc.LastActual), toNanos(tc.LastCompletion),
		int64(tc.Period), tc.Bean, tc.Arg, tc.Cancelled,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return trigger.ErrNodeExists
	}
	tc.Version = 1
	return nil
}

func (s *sqliteStore) CompareAndSwap(ctx context.Context, dir, name string, tc *trigger.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table+` SET last_scheduled = ?, last_actual = ?, last_completion = ?, period = ?,
		   bean = ?, arg = ?, cancelled = ?, version = version + 1
		 WHERE dir = ? AND name = ? AND version = ?`,
		toNanos(tc.LastScheduled), toNanos(tc.LastActual), toNanos(tc.LastCompletion), int64(tc.Period),
		tc.Bean, tc.Arg, tc.Cancelled, dir, name, tc.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, dir, name)
	}
	tc.Version++
	return nil
}

func (s *sqliteStore) SetCompletionIfLater(ctx context.Context, dir, name string, t time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table+` SET last_completion = ?, version = version + 1
		 WHERE dir = ? AND name = ? AND last_completion < ?`,
		toNanos(t), dir, name, toNanos(t),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	err = s.missOrConflict(ctx, dir, name)
	if errors.Is(err, trigger.ErrVersionConflict) {
		return false, nil
	}
	return false, err
}

// missOrConflict tells a vanished row from a version mismatch after an
// update matched nothing.
func (s *sqliteStore) missOrConflict(ctx context.Context, dir, name string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM `+s.table+` WHERE dir = ? AND name = ?`, dir, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return trigger.ErrNoNode
	}
	if err != nil {
		return err
	}
	return trigger.ErrVersionConflict
}

func (s *sqliteStore) List(ctx context.Context, dir string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM `+s.table+` WHERE dir = ? ORDER BY name`, dir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := []string{}
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
