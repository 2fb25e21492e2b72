package entityclient

import (
	"context"
	"sort"
	"sync"

	"searchsync/pkg/domain"
)

// Memory is an in-process entity service used by tests and local runs. Ancestors
// and descendants are derived transitively from parent/child links in
// breadth-first order, nearest first.
type Memory struct {
	mu          sync.RWMutex
	docs        map[string]domain.Document
	parents     map[string][]string
	children    map[string][]string
	prevRev     map[string][]string
	nextRev     map[string][]string
	containers  map[domain.Relation]map[string][]string
	visibility  map[string]string
	failures    map[string]error
	fetchCounts map[string]int
}

// NewMemory returns an empty in-memory entity service.
func NewMemory() *Memory {
	return &Memory{
		docs:        make(map[string]domain.Document),
		parents:     make(map[string][]string),
		children:    make(map[string][]string),
		prevRev:     make(map[string][]string),
		nextRev:     make(map[string][]string),
		containers:  map[domain.Relation]map[string][]string{domain.RelCollections: {}, domain.RelUploads: {}},
		visibility:  make(map[string]string),
		failures:    make(map[string]error),
		fetchCounts: make(map[string]int),
	}
}

// Put stores or replaces an entity snapshot.
func (m *Memory) Put(doc domain.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.UUID()] = doc.Clone()
}

// Remove deletes an entity snapshot and leaves its edges in place.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
}

// Link records a one-hop provenance edge parent -> child.
func (m *Memory) Link(parent, child string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.children[parent] = append(m.children[parent], child)
	m.parents[child] = append(m.parents[child], parent)
}

// LinkRevision records that next revises prev.
func (m *Memory) LinkRevision(prev, next string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextRev[prev] = append(m.nextRev[prev], next)
	m.prevRev[next] = append(m.prevRev[next], prev)
}

// AddToCollection records that collection embeds member.
func (m *Memory) AddToCollection(collection, member string) {
	m.addContainer(domain.RelCollections, collection, member)
}

// AddToUpload records that upload embeds member.
func (m *Memory) AddToUpload(upload, member string) {
	m.addContainer(domain.RelUploads, upload, member)
}

func (m *Memory) addContainer(rel domain.Relation, container, member string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[rel][member] = append(m.containers[rel][member], container)
}

// SetVisibility sets the value returned by GetVisibility for id.
func (m *Memory) SetVisibility(id, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility[id] = value
}

// FailOn makes every call targeting id return err. A nil err clears the failure.
func (m *Memory) FailOn(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, id)
		return
	}
	m.failures[id] = err
}

// Fetches reports how many times GetDocument was called for id.
func (m *Memory) Fetches(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fetchCounts[id]
}

// GetDocument implements the entity service document lookup.
func (m *Memory) GetDocument(_ context.Context, id string) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCounts[id]++
	if err := m.failures[id]; err != nil {
		return nil, &domain.UpstreamError{Target: id, URL: "memory://documents/" + id, Status: 500, Err: err}
	}
	doc, ok := m.docs[id]
	if !ok {
		return nil, &domain.UpstreamError{Target: id, URL: "memory://documents/" + id, Status: 404, Err: domain.ErrEntityNotFound}
	}
	return doc.Clone(), nil
}

// GetIDsByRelation implements the entity service relation lookup.
func (m *Memory) GetIDsByRelation(_ context.Context, id string, rel domain.Relation) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[id]; err != nil {
		return nil, &domain.UpstreamError{Target: id, URL: "memory://" + string(rel) + "/" + id, Status: 500, Err: err}
	}
	switch rel {
	case domain.RelAncestors:
		return walk(id, m.parents), nil
	case domain.RelDescendants:
		return walk(id, m.children), nil
	case domain.RelParents:
		return append([]string(nil), m.parents[id]...), nil
	case domain.RelChildren:
		return append([]string(nil), m.children[id]...), nil
	case domain.RelPreviousRevisions:
		return walk(id, m.prevRev), nil
	case domain.RelNextRevisions:
		return walk(id, m.nextRev), nil
	case domain.RelCollections, domain.RelUploads:
		return append([]string(nil), m.containers[rel][id]...), nil
	}
	return nil, nil
}

// GetIDsByType implements the entity service type enumeration.
func (m *Memory) GetIDsByType(_ context.Context, et domain.EntityType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[string(et)]; err != nil {
		return nil, &domain.UpstreamError{Target: string(et), URL: "memory://" + string(et), Status: 500, Err: err}
	}
	var out []string
	for id, doc := range m.docs {
		if got, err := doc.EntityType(); err == nil && got == et {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// GetVisibility implements the entity service visibility lookup.
func (m *Memory) GetVisibility(_ context.Context, id string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failures[id]; err != nil {
		return "", &domain.UpstreamError{Target: id, URL: "memory://visibility/" + id, Status: 500, Err: err}
	}
	return m.visibility[id], nil
}

func walk(start string, edges map[string][]string) []string {
	seen := map[string]bool{start: true}
	queue := []string{start}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range edges[cur] {
			if seen[next] {
				continue
			}
			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}
	return out
}
