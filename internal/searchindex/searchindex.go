// Package searchindex wraps the search engine operations searchsync needs: document
// writes, index administration for blue-green rebuilds, and id enumeration.
package searchindex

import (
	"context"
	"time"

	"searchsync/pkg/domain"
)

// Block is an index block kind.
type Block string

// Index block kinds. BlockNone clears every block.
const (
	BlockMetadata Block = "metadata"
	BlockRead     Block = "read"
	BlockReadOnly Block = "read_only"
	BlockWrite    Block = "write"
	BlockNone     Block = "none"
)

// Health is a cluster or index health color.
type Health string

// Health colors.
const (
	HealthGreen  Health = "green"
	HealthYellow Health = "yellow"
	HealthRed    Health = "red"
)

// Client is the search engine surface used by the writer, orchestrator and rebuild machine.
type Client interface {
	PutDocument(ctx context.Context, index, id string, doc domain.Document) error
	// DeleteDocument succeeds when the document is already absent.
	DeleteDocument(ctx context.Context, index, id string) error
	DeleteByField(ctx context.Context, index, field, value string) (int64, error)

	CreateIndex(ctx context.Context, index string, body map[string]any) error
	DeleteIndex(ctx context.Context, index string) error
	// CloneIndex requires src to be write-blocked and dst to be absent.
	CloneIndex(ctx context.Context, src, dst string) error
	SetBlock(ctx context.Context, index string, block Block) error
	WaitForHealth(ctx context.Context, index string, want Health, timeout time.Duration) error
	IndexExists(ctx context.Context, index string) (bool, error)

	Count(ctx context.Context, index string) (int64, error)
	// AggregateMax returns false when the index holds no value for field.
	AggregateMax(ctx context.Context, index, field string) (int64, bool, error)
	// QueryIDsByTimeRange returns up to limit ids whose value in any of fields is
	// strictly greater than after, plus the total number of matches.
	QueryIDsByTimeRange(ctx context.Context, index string, fields []string, after int64, limit int) ([]string, int64, error)
	// ScrollIDs pages through every id in index.
	ScrollIDs(ctx context.Context, index string, pageSize int, fn func(ids []string) error) error
}

func validBlock(b Block) bool {
	switch b {
	case BlockMetadata, BlockRead, BlockReadOnly, BlockWrite, BlockNone:
		return true
	}
	return false
}
