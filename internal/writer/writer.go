// Package writer writes composed documents to a group's public and private indices.
package writer

import (
	"context"

	"github.com/pkg/errors"

	"searchsync/internal/metrics"
	"searchsync/internal/searchindex"
	"searchsync/pkg/domain"
)

// Writer is a thin layer over the search client.
type Writer struct {
	search  searchindex.Client
	metrics *metrics.Metrics
}

// New returns a writer using search.
func New(search searchindex.Client, m *metrics.Metrics) *Writer {
	return &Writer{search: search, metrics: m}
}

// Write stores doc under id in index after stripping empty values. With reindex
// set, any existing document is deleted first so no stale field survives.
func (w *Writer) Write(ctx context.Context, id string, doc domain.Document, index string, reindex bool) error {
	if reindex {
		if err := w.search.DeleteDocument(ctx, index, id); err != nil {
			return errors.Wrapf(err, "delete %s from %s before write", id, index)
		}
	}
	if err := w.search.PutDocument(ctx, index, id, StripEmpty(doc)); err != nil {
		return errors.Wrapf(err, "write %s to %s", id, index)
	}
	return nil
}

// Delete removes id from index. A missing document is not an error.
func (w *Writer) Delete(ctx context.Context, id, index string) error {
	if err := w.search.DeleteDocument(ctx, index, id); err != nil {
		return errors.Wrapf(err, "delete %s from %s", id, index)
	}
	w.metrics.RecordDelete(index, "delete")
	return nil
}

// WritePair writes the private document and, when present, the public one. On
// reindex the id is removed from both indices first so an entity that stopped being
// public disappears from the public index.
func (w *Writer) WritePair(ctx context.Context, id string, private, public domain.Document, pair domain.IndexPair, reindex bool) error {
	if reindex {
		for _, index := range pair.Names() {
			if err := w.search.DeleteDocument(ctx, index, id); err != nil {
				return errors.Wrapf(err, "delete %s from %s before write", id, index)
			}
		}
	}
	if private != nil && pair.Private != "" {
		if err := w.Write(ctx, id, private, pair.Private, false); err != nil {
			return err
		}
		w.metrics.RecordWrite(pair.Private, "private")
	}
	if public != nil && pair.Public != "" {
		if err := w.Write(ctx, id, public, pair.Public, false); err != nil {
			return err
		}
		w.metrics.RecordWrite(pair.Public, "public")
	}
	return nil
}

// StripEmpty returns a copy of doc without empty strings, nils, empty maps and
// empty lists, applied recursively. Containers that become empty are removed too.
func StripEmpty(doc domain.Document) domain.Document {
	out := make(domain.Document, len(doc))
	for k, v := range doc {
		if cleaned, ok := strip(v); ok {
			out[k] = cleaned
		}
	}
	return out
}

func strip(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		return val, val != ""
	case domain.Document:
		m := StripEmpty(val)
		return map[string]any(m), len(m) > 0
	case map[string]any:
		m := StripEmpty(val)
		return map[string]any(m), len(m) > 0
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			if cleaned, ok := strip(item); ok {
				out = append(out, cleaned)
			}
		}
		return out, len(out) > 0
	case []string:
		out := make([]any, 0, len(val))
		for _, s := range val {
			if s != "" {
				out = append(out, s)
			}
		}
		return out, len(out) > 0
	default:
		return val, true
	}
}
