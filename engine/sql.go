package engine

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"dragonfabric/df"
)

const DefaultTable = "fabric_kv"

type SQLConfig struct {
	// DSN is a file name for sqlite and a connection string for postgres.
	DSN   string `yaml:"DSN"`
	Table string `yaml:"Table"`
	// Retry reruns transactions the database aborted in favour of a
	// concurrent one. Zero MaxRetries means DefaultSQLRetry.
	Retry df.RetryPolicy `yaml:"Retry"`
}

// DefaultSQLRetry is sized for database round trips rather than in-process
// test-and-set loops.
func DefaultSQLRetry() df.RetryPolicy {
	return df.RetryPolicy{
		MaxRetries: 50,
		Base:       time.Millisecond,
		Cap:        50 * time.Millisecond,
	}
}

type dialect struct {
	driver      string
	schema      string
	placeholder func(q string) string
	txOpts      *sql.TxOptions
	readOpts    *sql.TxOptions
	// lostRace reports errors that mean another transaction won.
	lostRace func(err error) bool
}

var sqliteDialect = dialect{
	driver:      "sqlite3",
	schema:      `CREATE TABLE IF NOT EXISTS %s (k BLOB PRIMARY KEY, v BLOB NOT NULL)`,
	placeholder: func(q string) string { return q },
	txOpts:      &sql.TxOptions{},
	readOpts:    &sql.TxOptions{},
	lostRace:    func(error) bool { return false },
}

var postgresDialect = dialect{
	driver:      "postgres",
	schema:      `CREATE TABLE IF NOT EXISTS %s (k BYTEA PRIMARY KEY, v BYTEA NOT NULL)`,
	placeholder: dollarPlaceholders,
	txOpts:      &sql.TxOptions{Isolation: sql.LevelSerializable},
	readOpts:    &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	lostRace: func(err error) bool {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return false
		}
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	},
}

// dollarPlaceholders rewrites ? placeholders to $1, $2, ...
func dollarPlaceholders(q string) string {
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQL stores every key as one row of a two column table.
type SQL struct {
	db    *sql.DB
	d     dialect
	retry df.RetryPolicy

	qGet    string
	qUpsert string
	qDelete string
}

// OpenSQLite opens (or creates) a sqlite database file. Transactions take
// the write lock up front and the pool holds a single connection, so
// sqlite never reports SQLITE_BUSY to us.
func OpenSQLite(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?_txlock=immediate&_busy_timeout=5000"
	}
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, df.StorageError(err, "sqlite open")
	}
	db.SetMaxOpenConns(1)
	return newSQL(ctx, db, sqliteDialect, cfg)
}

func OpenPostgres(ctx context.Context, cfg SQLConfig) (*SQL, error) {
	db, err := sql.Open(postgresDialect.driver, cfg.DSN)
	if err != nil {
		return nil, df.StorageError(err, "postgres open")
	}
	return newSQL(ctx, db, postgresDialect, cfg)
}

func newSQL(ctx context.Context, db *sql.DB, d dialect, cfg SQLConfig) (*SQL, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if !tableName.MatchString(table) {
		db.Close()
		return nil, errors.Newf("invalid table name %q", table)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(d.schema, table)); err != nil {
		db.Close()
		return nil, df.StorageError(err, "create table")
	}
	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultSQLRetry()
	}
	return &SQL{
		db:      db,
		d:       d,
		retry:   retry,
		qGet:    d.placeholder(fmt.Sprintf(`SELECT v FROM %s WHERE k = ?`, table)),
		qUpsert: d.placeholder(fmt.Sprintf(`INSERT INTO %s (k, v) VALUES (?, ?) ON CONFLICT (k) DO UPDATE SET v = excluded.v`, table)),
		qDelete: d.placeholder(fmt.Sprintf(`DELETE FROM %s WHERE k = ?`, table)),
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) read(ctx context.Context, q queryer, key []byte) ([]byte, bool, error) {
	var v []byte
	err := q.QueryRowContext(ctx, s.qGet, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, true, nil
}

func (s *SQL) write(ctx context.Context, e execer, m Mutation) error {
	if m.Delete {
		_, err := e.ExecContext(ctx, s.qDelete, m.Key)
		return err
	}
	v := m.Value
	if v == nil {
		// drivers bind a nil slice as NULL
		v = []byte{}
	}
	_, err := e.ExecContext(ctx, s.qUpsert, m.Key, v)
	return err
}

func (s *SQL) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	v, found, err := s.read(ctx, s.db, key)
	return v, found, df.StorageError(err, "sql get")
}

func (s *SQL) Put(ctx context.Context, key, value []byte) error {
	return df.StorageError(s.write(ctx, s.db, Put(key, value)), "sql put")
}

func (s *SQL) Delete(ctx context.Context, key []byte) error {
	return df.StorageError(s.write(ctx, s.db, Del(key)), "sql delete")
}

func (s *SQL) TestAndSet(ctx context.Context, key, expected, value []byte) (bool, error) {
	return s.Commit(ctx, []Mutation{Set(key, value).If(expected)})
}

// Commit runs the check-then-write transaction. A transaction the database
// aborted in favour of a concurrent one says nothing about the checks, so
// it is run again; running out of retries is df.ErrContention.
func (s *SQL) Commit(ctx context.Context, muts []Mutation) (bool, error) {
	return s.serialize(ctx, func(ctx context.Context) (bool, error) {
		return s.commit(ctx, muts)
	})
}

func (s *SQL) serialize(ctx context.Context, tx func(ctx context.Context) (bool, error)) (bool, error) {
	ok := false
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		ok, err = tx(ctx)
		if err != nil && s.d.lostRace(err) {
			return df.ErrConflict
		}
		return df.StorageError(err, "sql commit")
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (s *SQL) commit(ctx context.Context, muts []Mutation) (ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, s.d.txOpts)
	if err != nil {
		return false, err
	}
	defer func() {
		if !ok {
			_ = tx.Rollback()
		}
	}()
	for _, m := range muts {
		if !m.Check {
			continue
		}
		cur, found, err := s.read(ctx, tx, m.Key)
		if err != nil {
			return false, err
		}
		if !matches(cur, found, m.Expect) {
			return false, nil
		}
	}
	for _, m := range muts {
		if err := s.write(ctx, tx, m); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQL) Snapshot(ctx context.Context, keys [][]byte) ([]Entry, error) {
	tx, err := s.db.BeginTx(ctx, s.d.readOpts)
	if err != nil {
		return nil, df.StorageError(err, "sql begin")
	}
	defer tx.Rollback()
	out := make([]Entry, len(keys))
	for i, k := range keys {
		v, found, err := s.read(ctx, tx, k)
		if err != nil {
			return nil, df.StorageError(err, "sql snapshot")
		}
		out[i] = Entry{Key: k, Value: v, Found: found}
	}
	return out, nil
}

func (s *SQL) Close() error {
	return df.StorageError(s.db.Close(), "sql close")
}
