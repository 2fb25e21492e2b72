package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/config"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "20240102-000000_rebuild.json")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "20240102-000000_rebuild.json", []byte(`{"0":{"command":"create"}}`)))
	require.NoError(t, s.Put(ctx, "20240101-000000_rebuild.json", []byte(`{}`)))
	require.NoError(t, s.Put(ctx, "other.json", []byte(`{}`)))
	require.NoError(t, s.Put(ctx, "20240102-000000_rebuild.json", []byte(`{"0":{"command":"create"},"1":{"command":"catch-up"}}`)))

	got, err := s.Get(ctx, "20240102-000000_rebuild.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"0":{"command":"create"},"1":{"command":"catch-up"}}`, string(got))

	keys, err := s.List(ctx, "2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101-000000_rebuild.json", "20240102-000000_rebuild.json"}, keys)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.Error(t, s.Put(ctx, "", []byte(`{}`)))
	require.NoError(t, s.Close())
}

func TestFilesystemStore(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())
	exerciseStore(t, s)
}

func TestFilesystemRejectsTraversal(t *testing.T) {
	s, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	require.Error(t, s.Put(ctx, "../escape.json", []byte(`{}`)))
	require.Error(t, s.Put(ctx, "/abs.json", []byte(`{}`)))
	_, err = s.Get(ctx, "../escape.json")
	require.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	assert.Equal(t, DriverMemory, s.Driver())
	exerciseStore(t, s)
}

func TestMemoryStoreCopiesValues(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	data := []byte(`{"a":1}`)
	require.NoError(t, s.Put(ctx, "k", data))
	data[2] = 'b'
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, s.Driver())
	exerciseStore(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "run.json", []byte(`{"0":{}}`)))
	require.NoError(t, s.Close())

	again, err := NewSQLite(ctx, path)
	require.NoError(t, err)
	defer again.Close()
	got, err := again.Get(ctx, "run.json")
	require.NoError(t, err)
	assert.Equal(t, `{"0":{}}`, string(got))
}

func TestS3Store(t *testing.T) {
	s := NewS3MockForTests()
	assert.Equal(t, DriverS3, s.Driver())
	exerciseStore(t, s)
}

func TestNewS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	require.Error(t, err)
}

type refusingDriver struct{}

func (refusingDriver) Open(string) (driver.Conn, error) {
	return nil, errors.New("connection refused")
}

func init() {
	sql.Register("ledger-refusing", refusingDriver{})
}

func TestPostgresPingFailure(t *testing.T) {
	var gotDriver, gotDSN string
	orig := sqlOpen
	sqlOpen = func(name, dsn string) (*sql.DB, error) {
		gotDriver, gotDSN = name, dsn
		return sql.Open("ledger-refusing", dsn)
	}
	t.Cleanup(func() { sqlOpen = orig })

	_, err := NewPostgres(context.Background(), "postgres://ledger@localhost/searchsync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping postgres ledger")
	assert.Equal(t, "pgx", gotDriver)
	assert.Equal(t, "postgres://ledger@localhost/searchsync", gotDSN)

	_, err = NewPostgres(context.Background(), "")
	require.Error(t, err)
}

func TestDialectBind(t *testing.T) {
	q := "INSERT INTO t(a, b) VALUES(?, ?)"
	assert.Equal(t, q, sqliteDialect.bind(q))
	assert.Equal(t, "INSERT INTO t(a, b) VALUES($1, $2)", postgresDialect.bind(q))
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.LedgerConfig{FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	s, err = Open(ctx, config.LedgerConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, config.LedgerConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "l.db")})
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, s.Driver())
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.LedgerConfig{Driver: "s3"})
	require.Error(t, err)

	_, err = Open(ctx, config.LedgerConfig{Driver: "tape"})
	require.Error(t, err)
}
