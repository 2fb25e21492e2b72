// Package ledger stores rebuild operation records. Every driver offers the
// same small surface: whole-value create-or-replace writes, reads by key and
// sorted prefix listing.
package ledger

import (
	"context"

	"github.com/pkg/errors"

	"searchsync/internal/config"
)

// Driver names a ledger backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
	DriverSQLite     Driver = "sqlite"
	DriverPostgres   Driver = "postgres"
)

// ErrNotFound is returned by Get for a key that was never written.
var ErrNotFound = errors.New("ledger record not found")

// Store persists opaque record payloads by key.
type Store interface {
	Driver() Driver
	// Put creates or atomically replaces the value stored at key.
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the keys beginning with prefix in ascending order.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Open selects a Store implementation from the ledger configuration.
func Open(ctx context.Context, cfg config.LedgerConfig) (Store, error) {
	driver := Driver(cfg.Driver)
	if driver == "" {
		driver = DriverFilesystem
	}
	switch driver {
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	case DriverSQLite:
		return NewSQLite(ctx, cfg.SQLitePath)
	case DriverPostgres:
		return NewPostgres(ctx, cfg.PostgresDSN)
	default:
		return nil, errors.Errorf("unknown ledger driver %s", driver)
	}
}

func validKey(key string) error {
	if key == "" {
		return errors.New("empty ledger key")
	}
	return nil
}
