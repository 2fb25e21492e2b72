package ledger

import (
	"context"
	"database/sql"
	"sort"
	"strconv"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	driver    Driver
	sqlDriver string
	blobType  string
	numbered  bool // $1 placeholders instead of ?
}

var (
	sqliteDialect   = dialect{driver: DriverSQLite, sqlDriver: "sqlite", blobType: "BLOB"}
	postgresDialect = dialect{driver: DriverPostgres, sqlDriver: "pgx", blobType: "BYTEA", numbered: true}
)

// bind rewrites ? placeholders for numbered dialects.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore keeps records in a rebuild_records table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLite opens (or creates) a SQLite database file at path.
func NewSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path == "" {
		path = "searchsync.db"
	}
	return openSQL(ctx, sqliteDialect, path)
}

// NewPostgres connects to PostgreSQL using dsn.
func NewPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres ledger dsn required")
	}
	return openSQL(ctx, postgresDialect, dsn)
}

func openSQL(ctx context.Context, d dialect, dsn string) (*SQLStore, error) {
	openMu.Lock()
	db, err := sqlOpen(d.sqlDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, errors.Wrapf(err, "open %s ledger", d.driver)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "ping %s ledger", d.driver)
	}
	ddl := "CREATE TABLE IF NOT EXISTS rebuild_records (name TEXT PRIMARY KEY, payload " + d.blobType + " NOT NULL)"
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "init %s ledger schema", d.driver)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

func (s *SQLStore) Driver() Driver { return s.dialect.driver }

func (s *SQLStore) Put(ctx context.Context, key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	q := s.dialect.bind(`INSERT INTO rebuild_records(name, payload) VALUES(?, ?)
ON CONFLICT(name) DO UPDATE SET payload=excluded.payload`)
	_, err := s.db.ExecContext(ctx, q, key, data)
	return errors.Wrapf(err, "upsert record %s", key)
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, s.dialect.bind(`SELECT payload FROM rebuild_records WHERE name = ?`), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select record %s", key)
	}
	return payload, nil
}

func (s *SQLStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM rebuild_records`)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "scan record name")
		}
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
