package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

type MySQLConfig struct {
	DSN             string
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// SQLKV keeps values in a two column table. REPLACE-style upserts make a
// single Put atomic.
type SQLKV struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

func NewMySQLKV(ctx context.Context, cfg MySQLConfig) (*SQLKV, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage: mysql dsn is required")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(8)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(4)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping mysql: %w", err)
	}
	kv, err := newSQLKV(db, cfg.Table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := kv.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return kv, nil
}

func newSQLKV(db *sql.DB, table string) (*SQLKV, error) {
	if table == "" {
		table = "icgate_kv"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("storage: invalid table name %q", table)
	}
	return &SQLKV{db: db, table: table, now: time.Now}, nil
}

func (s *SQLKV) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	k VARCHAR(200) NOT NULL PRIMARY KEY,
	v LONGBLOB NOT NULL,
	updated_at BIGINT NOT NULL
)`, s.table))
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *SQLKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	var v []byte
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, s.table), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *SQLKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (k, v, updated_at) VALUES (?, ?, ?)
	ON DUPLICATE KEY UPDATE v = VALUES(v), updated_at = VALUES(updated_at)`, s.table),
		key, value, s.now().UnixMilli())
	return err
}

func (s *SQLKV) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, s.table), key)
	return err
}

func (s *SQLKV) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT k FROM %s WHERE k LIKE ? ESCAPE '!' ORDER BY k`, s.table),
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLKV) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}
