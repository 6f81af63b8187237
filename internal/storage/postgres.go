package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

// DBTX is the minimal interface shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const postgresDDL = `CREATE TABLE IF NOT EXISTS {{table}} (
  dir             TEXT    NOT NULL,
  name            TEXT    NOT NULL,
  last_scheduled  BIGINT  NOT NULL DEFAULT 0,
  last_actual     BIGINT  NOT NULL DEFAULT 0,
  last_completion BIGINT  NOT NULL DEFAULT 0,
  period          BIGINT  NOT NULL DEFAULT 0,
  bean            TEXT    NOT NULL DEFAULT '',
  arg             BYTEA,
  cancelled       BOOLEAN NOT NULL DEFAULT FALSE,
  version         BIGINT  NOT NULL DEFAULT 1,
  PRIMARY KEY (dir, name)
)`

// Postgres stores contexts in one PostgreSQL table. Conditional updates give
// the compare-and-swap semantics.
type Postgres struct {
	db    DBTX
	pool  *pgxpool.Pool
	table string
	log   logx.Logger
}

// NewPostgres wraps an existing connection or transaction.
func NewPostgres(db DBTX, table string, log logx.Logger) *Postgres {
	if table == "" {
		table = DefaultPrefix
	}
	return &Postgres{db: db, table: table, log: log}
}

func openPostgres(cfg Config, log logx.Logger) (trigger.Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store.dsn is required for postgres driver")
	}
	table := cfg.prefix()
	if !ValidPrefix(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := NewPostgres(pool, table, log)
	st.pool = pool
	if cfg.AutoCreate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return st, nil
}

func (s *Postgres) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, strings.ReplaceAll(postgresDDL, "{{table}}", s.table))
	if err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) Read(ctx context.Context, dir, name string) (*trigger.Context, error) {
	var (
		ls, la, lc, period, version int64
		bean                        string
		arg                         []byte
		cancelled                   bool
	)
	err := s.db.QueryRow(ctx,
		`SELECT last_scheduled, last_actual, last_completion, period, bean, arg, cancelled, version
		 FROM `+s.table+` WHERE dir = $1 AND name = $2`, dir, name,
	).Scan(&ls, &la, &lc, &period, &bean, &arg, &cancelled, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, trigger.ErrNoNode
	}
	if err != nil {
		return nil, fmt.Errorf("postgres read: %w", err)
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

func (s *Postgres) Create(ctx context.Context, dir, name string, tc *trigger.Context) error {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO `+s.table+` (dir, name, last_scheduled, last_actual, last_completion, period, bean, arg, cancelled, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
		 ON CONFLICT (dir, name) DO NOTHING`,
		dir, name, toNanos(tc.LastScheduled), toNanos(tc.LastActual), toNanos(tc.LastCompletion),
		int64(tc.Period), tc.Bean, tc.Arg, tc.Cancelled,
	)
	if err != nil {
		return fmt.Errorf("postgres create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return trigger.ErrNodeExists
	}
	tc.Version = 1
	return nil
}

func (s *Postgres) CompareAndSwap(ctx context.Context, dir, name string, tc *trigger.Context) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE `+s.table+` SET last_scheduled = $1, last_actual = $2, last_completion = $3, period = $4,
		   bean = $5, arg = $6, cancelled = $7, version = version + 1
		 WHERE dir = $8 AND name = $9 AND version = $10`,
		toNanos(tc.LastScheduled), toNanos(tc.LastActual), toNanos(tc.LastCompletion), int64(tc.Period),
		tc.Bean, tc.Arg, tc.Cancelled, dir, name, tc.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres cas: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrConflict(ctx, dir, name)
	}
	tc.Version++
	return nil
}

func (s *Postgres) SetCompletionIfLater(ctx context.Context, dir, name string, t time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE `+s.table+` SET last_completion = $1, version = version + 1
		 WHERE dir = $2 AND name = $3 AND last_completion < $1`,
		toNanos(t), dir, name,
	)
	if err != nil {
		return false, fmt.Errorf("postgres complete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	err = s.missOrConflict(ctx, dir, name)
	if errors.Is(err, trigger.ErrVersionConflict) {
		return false, nil
	}
	return false, err
}

func (s *Postgres) missOrConflict(ctx context.Context, dir, name string) error {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM `+s.table+` WHERE dir = $1 AND name = $2`, dir, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return trigger.ErrNoNode
	}
	if err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return trigger.ErrVersionConflict
}

func (s *Postgres) List(ctx context.Context, dir string) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT name FROM `+s.table+` WHERE dir = $1 ORDER BY name`, dir)
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres list: %w", err)
	}
	return names, nil
}
