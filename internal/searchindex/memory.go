package searchindex

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"searchsync/pkg/domain"
)

// Memory is an in-process search engine. It enforces write blocks and the clone
// preconditions of the real engine so rebuild scenarios can be exercised in tests.
type Memory struct {
	mu      sync.RWMutex
	indices map[string]*memIndex
}

type memIndex struct {
	docs   map[string]domain.Document
	blocks map[Block]bool
	body   map[string]any
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty engine.
func NewMemory() *Memory {
	return &Memory{indices: make(map[string]*memIndex)}
}

func newMemIndex(body map[string]any) *memIndex {
	return &memIndex{docs: make(map[string]domain.Document), blocks: make(map[Block]bool), body: body}
}

func (ix *memIndex) writable() bool {
	return !ix.blocks[BlockWrite] && !ix.blocks[BlockReadOnly]
}

func blockedErr(index string) error {
	return &domain.UpstreamError{Target: index, URL: "memory://" + index, Status: 403, Err: errors.New("index write-blocked")}
}

func missingErr(index string) error {
	return errors.Wrap(domain.ErrIndexNotFound, index)
}

// Get returns a copy of one stored document.
func (m *Memory) Get(index, id string) (domain.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indices[index]
	if !ok {
		return nil, false
	}
	doc, ok := ix.docs[id]
	return doc.Clone(), ok
}

// Indices returns the sorted names of every index.
func (m *Memory) Indices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.indices))
	for name := range m.indices {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Blocked reports whether block is set on index.
func (m *Memory) Blocked(index string, block Block) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indices[index]
	return ok && ix.blocks[block]
}

func (m *Memory) PutDocument(_ context.Context, index, id string, doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.indices[index]
	if !ok {
		ix = newMemIndex(nil)
		m.indices[index] = ix
	}
	if !ix.writable() {
		return blockedErr(index)
	}
	// round-trip through JSON so stored values look like engine responses
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encode document")
	}
	var stored domain.Document
	if err := json.Unmarshal(b, &stored); err != nil {
		return errors.Wrap(err, "decode document")
	}
	ix.docs[id] = stored
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, index, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.indices[index]
	if !ok {
		return nil
	}
	if !ix.writable() {
		return blockedErr(index)
	}
	delete(ix.docs, id)
	return nil
}

func (m *Memory) DeleteByField(_ context.Context, index, field, value string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.indices[index]
	if !ok {
		return 0, nil
	}
	if !ix.writable() {
		return 0, blockedErr(index)
	}
	var n int64
	for id, doc := range ix.docs {
		if doc.Str(field) == value {
			delete(ix.docs, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) CreateIndex(_ context.Context, index string, body map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indices[index]; ok {
		return &domain.UpstreamError{Target: index, URL: "memory://" + index, Status: 400, Err: errors.New("resource_already_exists_exception")}
	}
	m.indices[index] = newMemIndex(body)
	return nil
}

func (m *Memory) DeleteIndex(_ context.Context, index string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indices[index]; !ok {
		return missingErr(index)
	}
	delete(m.indices, index)
	return nil
}

func (m *Memory) CloneIndex(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.indices[src]
	if !ok {
		return missingErr(src)
	}
	if from.writable() {
		return &domain.UpstreamError{Target: src, URL: "memory://" + src, Status: 400, Err: errors.New("source index must be write-blocked before clone")}
	}
	if _, exists := m.indices[dst]; exists {
		return &domain.UpstreamError{Target: dst, URL: "memory://" + dst, Status: 400, Err: errors.New("resource_already_exists_exception")}
	}
	to := newMemIndex(from.body)
	for id, doc := range from.docs {
		to.docs[id] = doc.Clone()
	}
	for b, v := range from.blocks {
		to.blocks[b] = v
	}
	m.indices[dst] = to
	return nil
}

func (m *Memory) SetBlock(_ context.Context, index string, block Block) error {
	if !validBlock(block) {
		return errors.Errorf("searchindex: unknown block %q", block)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.indices[index]
	if !ok {
		return missingErr(index)
	}
	if block == BlockNone {
		ix.blocks = make(map[Block]bool)
		return nil
	}
	ix.blocks[block] = true
	return nil
}

func (m *Memory) WaitForHealth(_ context.Context, index string, _ Health, _ time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.indices[index]; !ok {
		return missingErr(index)
	}
	return nil
}

func (m *Memory) IndexExists(_ context.Context, index string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indices[index]
	return ok, nil
}

func (m *Memory) Count(_ context.Context, index string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indices[index]
	if !ok {
		return 0, missingErr(index)
	}
	return int64(len(ix.docs)), nil
}

func (m *Memory) AggregateMax(_ context.Context, index, field string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indices[index]
	if !ok {
		return 0, false, missingErr(index)
	}
	var (
		best  int64
		found bool
	)
	for _, doc := range ix.docs {
		v, ok := numeric(doc[field])
		if !ok {
			continue
		}
		if !found || v > best {
			best, found = v, true
		}
	}
	return best, found, nil
}

func (m *Memory) QueryIDsByTimeRange(_ context.Context, index string, fields []string, after int64, limit int) ([]string, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ix, ok := m.indices[index]
	if !ok {
		return nil, 0, missingErr(index)
	}
	var matches []string
	for id, doc := range ix.docs {
		for _, f := range fields {
			if v, ok := numeric(doc[f]); ok && v > after {
				matches = append(matches, id)
				break
			}
		}
	}
	sort.Strings(matches)
	total := int64(len(matches))
	if limit >= 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, total, nil
}

func (m *Memory) ScrollIDs(ctx context.Context, index string, pageSize int, fn func([]string) error) error {
	if pageSize < 1 {
		return errors.New("searchindex: page size must be positive")
	}
	m.mu.RLock()
	ix, ok := m.indices[index]
	if !ok {
		m.mu.RUnlock()
		return missingErr(index)
	}
	ids := make([]string, 0, len(ix.docs))
	for id := range ix.docs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	for start := 0; start < len(ids); start += pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + pageSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := fn(ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func numeric(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}
