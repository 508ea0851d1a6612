package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	logx "groupcast/pkg/logx"
)

// Open initializes the configured store and applies the schema.
func Open(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*SQLStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		db  *sqlx.DB
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		db, err = openSQLite(cfg)
	case "postgres", "postgresql", "pg":
		db, err = openPostgres(ctx, cfg)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}

	st := NewSQLStore(db, log, opts...)
	mctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := st.Migrate(mctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("store opened", logx.String("driver", db.DriverName()))
	return st, nil
}

// SQLStore implements the Job Store on top of sqlx.
type SQLStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

// NewSQLStore wraps an open handle. It does not touch the schema; call Migrate.
func NewSQLStore(db *sqlx.DB, log logx.Logger, opts ...Option) *SQLStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &SQLStore{db: db, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks connectivity. Used by /healthz.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) nowMS() int64 { return s.now().UnixMilli() }

// exec runs a rebound statement and reports whether it touched a row.
func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// execOne is exec where a miss is ErrConflict.
func (s *SQLStore) execOne(ctx context.Context, query string, args ...any) error {
	ok, err := s.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if !ok {
		return ErrConflict
	}
	return nil
}
