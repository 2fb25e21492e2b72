// Package compose builds denormalized private and public search documents for one
// entity by walking its provenance graph and applying the field policy.
package compose

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"searchsync/internal/metrics"
	"searchsync/internal/policy"
	"searchsync/pkg/domain"
)

// relationFields are embedded snapshots stripped from documents before embedding
// them into another document.
var relationFields = []string{
	domain.FieldAncestors, domain.FieldAncestorIDs,
	domain.FieldDescendants, domain.FieldDescendantIDs,
	domain.FieldImmediateAncestors, domain.FieldImmediateDescendants,
	domain.FieldDonor, domain.FieldSource,
	domain.FieldOriginSamples, domain.FieldSourceSamples,
}

// summaryFields hold lists of per-entity summaries.
var summaryFields = []string{
	domain.FieldAncestors, domain.FieldDescendants,
	domain.FieldImmediateAncestors, domain.FieldImmediateDescendants,
}

// Options configures a Composer.
type Options struct {
	// Organs maps organ codes to display terms.
	Organs  map[string]string
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Composer builds documents. It holds no per-entity state and is safe for
// concurrent use.
type Composer struct {
	src     Source
	policy  *policy.Engine
	organs  map[string]string
	vis     *Visibility
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// New returns a composer reading from src.
func New(src Source, pol *policy.Engine, opts Options) *Composer {
	return &Composer{
		src:     src,
		policy:  pol,
		organs:  opts.Organs,
		vis:     NewVisibility(src, opts.Logger),
		log:     opts.Logger,
		metrics: opts.Metrics,
	}
}

// Visibility returns the visibility predicate used by the composer.
func (c *Composer) Visibility() *Visibility { return c.vis }

// Result holds the documents for one (entity, index group). Public is nil when the
// entity is not publicly visible.
type Result struct {
	Private domain.Document
	Public  domain.Document
}

// Compose fetches id and builds its documents for group.
func (c *Composer) Compose(ctx context.Context, id string, group domain.IndexGroup) (Result, error) {
	snap, err := c.Gather(ctx, id, GatherOptions{Immediate: group.ImmediateRelations})
	if err != nil {
		return Result{}, err
	}
	return c.Build(snap, group)
}

// ComposeGroups gathers id once and builds documents for every group, keyed by
// group name.
func (c *Composer) ComposeGroups(ctx context.Context, id string, groups []domain.IndexGroup) (map[string]Result, error) {
	snap, err := c.Gather(ctx, id, GatherOptions{Immediate: needsImmediate(groups)})
	if err != nil {
		return nil, err
	}
	return c.buildAll(snap, groups)
}

// ComposeFrom builds documents for every group from a caller supplied entity body.
func (c *Composer) ComposeFrom(ctx context.Context, entity domain.Document, groups []domain.IndexGroup) (map[string]Result, error) {
	snap, err := c.GatherFrom(ctx, entity, GatherOptions{Immediate: needsImmediate(groups)})
	if err != nil {
		return nil, err
	}
	return c.buildAll(snap, groups)
}

func (c *Composer) buildAll(snap *Snapshot, groups []domain.IndexGroup) (map[string]Result, error) {
	out := make(map[string]Result, len(groups))
	for _, g := range groups {
		res, err := c.Build(snap, g)
		if err != nil {
			return nil, err
		}
		out[g.Name] = res
	}
	return out, nil
}

func needsImmediate(groups []domain.IndexGroup) bool {
	for _, g := range groups {
		if g.ImmediateRelations {
			return true
		}
	}
	return false
}

// Build composes the documents for group from snap without further fetches. The
// public document is derived from the same working copy as the private one.
func (c *Composer) Build(snap *Snapshot, group domain.IndexGroup) (Result, error) {
	start := time.Now()
	defer func() { c.metrics.ObserveCompose(string(snap.Type), time.Since(start)) }()

	work := snap.Entity.Clone()
	c.policy.ApplyRenames(work, snap.Type)
	work[domain.FieldUUID] = snap.Entity.UUID()
	if !snap.Type.IsContainer() {
		c.addGraph(work, snap, group)
	}
	if sub := displaySubtype(snap.Entity, snap.Type, c.organs); sub != "" {
		work[domain.FieldDisplaySubtype] = sub
	}

	res := Result{Private: c.finalize(work.Clone(), group)}
	if snap.Public {
		res.Public = c.finalize(c.publicVariant(work.Clone(), snap), group)
	}
	return res, nil
}

func (c *Composer) addGraph(work domain.Document, snap *Snapshot, group domain.IndexGroup) {
	work[domain.FieldAncestors] = c.summaries(snap.Ancestors, group)
	work[domain.FieldAncestorIDs] = ids(snap.Ancestors)
	work[domain.FieldDescendants] = c.summaries(snap.Descendants, group)
	work[domain.FieldDescendantIDs] = ids(snap.Descendants)

	for _, anc := range snap.Ancestors {
		et, err := anc.EntityType()
		if err != nil || !et.IsProvenanceRoot() {
			continue
		}
		field := domain.FieldDonor
		if et == domain.EntitySource {
			field = domain.FieldSource
		}
		work[field] = map[string]any(c.embed(anc))
		break
	}

	switch snap.Type {
	case domain.EntitySample, domain.EntityDataset, domain.EntityPublication:
		candidates := make([]domain.Document, 0, len(snap.Ancestors)+1)
		if snap.Type == domain.EntitySample {
			candidates = append(candidates, snap.Entity)
		}
		candidates = append(candidates, snap.Ancestors...)
		var origin []any
		for _, d := range candidates {
			if d.StrEqualFold(domain.FieldSampleCategory, domain.CategoryOrgan) && d.Str(domain.FieldOrgan) != "" {
				origin = append(origin, map[string]any(c.embed(d)))
			}
		}
		if len(origin) > 0 {
			work[domain.FieldOriginSamples] = origin
		}
	}

	if group.ImmediateRelations {
		work[domain.FieldImmediateAncestors] = c.summaries(snap.Parents, group)
		work[domain.FieldImmediateDescendants] = c.summaries(snap.Children, group)
	}

	if snap.Type.IsDatasetLike() {
		if len(snap.SourceSamples) > 0 {
			samples := make([]any, 0, len(snap.SourceSamples))
			for _, s := range snap.SourceSamples {
				samples = append(samples, map[string]any(c.embed(s)))
			}
			work[domain.FieldSourceSamples] = samples
		}
		if len(snap.PreviousRevisionIDs) > 0 {
			work[domain.FieldPreviousRevisionUUIDs] = toAny(snap.PreviousRevisionIDs)
		}
		if len(snap.NextRevisions) > 0 {
			work[domain.FieldNextRevisionUUIDs] = ids(snap.NextRevisions)
		}
	}
}

// publicVariant redacts a clone of the working document.
func (c *Composer) publicVariant(pub domain.Document, snap *Snapshot) domain.Document {
	for _, field := range []string{domain.FieldDescendants, domain.FieldImmediateDescendants} {
		list, ok := pub[field]
		if !ok {
			continue
		}
		var kept []any
		for _, d := range domain.Documents(list) {
			if snap.PublicIDs[d.UUID()] {
				kept = append(kept, map[string]any(d))
			}
		}
		pub[field] = kept
	}
	if pub.Has(domain.FieldDescendants) {
		pub[domain.FieldDescendantIDs] = ids(domain.Documents(pub[domain.FieldDescendants]))
	}

	published := make(map[string]bool, len(snap.NextRevisions))
	for _, next := range snap.NextRevisions {
		if next.StrEqualFold(domain.FieldStatus, domain.StatusPublished) {
			published[next.UUID()] = true
		}
	}
	if next := pub.Str(domain.FieldNextRevisionUUID); next != "" && !published[next] {
		delete(pub, domain.FieldNextRevisionUUID)
	}
	if _, ok := pub[domain.FieldNextRevisionUUIDs]; ok {
		var kept []any
		for _, id := range domain.Strings(pub[domain.FieldNextRevisionUUIDs]) {
			if published[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(pub, domain.FieldNextRevisionUUIDs)
		} else {
			pub[domain.FieldNextRevisionUUIDs] = kept
		}
	}

	policy.RemoveFields(pub, c.policy.PublicExclusions(snap.Type))
	for _, field := range summaryFields {
		for _, d := range domain.Documents(pub[field]) {
			if et, err := d.EntityType(); err == nil {
				policy.RemoveFields(d, c.policy.PublicExclusions(et))
			}
		}
	}
	return pub
}

// finalize drops top-level fields the group does not index and CalcOnly fields
// inside summaries.
func (c *Composer) finalize(doc domain.Document, group domain.IndexGroup) domain.Document {
	for field := range doc {
		if c.policy.IsRetained(field, group.Name) != policy.IndexDoc {
			delete(doc, field)
		}
	}
	for _, field := range summaryFields {
		for _, d := range domain.Documents(doc[field]) {
			for k := range d {
				if k != domain.FieldUUID && k != domain.FieldEntityType && c.policy.IsRetained(k, group.Name) == policy.CalcOnly {
					delete(d, k)
				}
			}
		}
	}
	return doc
}

// summaries reduces related entities to the fields the group indexes or computes with.
func (c *Composer) summaries(docs []domain.Document, group domain.IndexGroup) []any {
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		cp := d.Clone()
		if et, err := d.EntityType(); err == nil {
			c.policy.ApplyRenames(cp, et)
		}
		summary := cp.Pick(func(k string) bool {
			return k == domain.FieldUUID || k == domain.FieldEntityType ||
				c.policy.IsRetained(k, group.Name) != policy.Excluded
		})
		for _, f := range relationFields {
			delete(summary, f)
		}
		out = append(out, map[string]any(summary))
	}
	return out
}

// embed copies a related entity for donor, origin_samples and source_samples.
func (c *Composer) embed(d domain.Document) domain.Document {
	cp := d.Clone()
	if et, err := d.EntityType(); err == nil {
		c.policy.ApplyRenames(cp, et)
	}
	for _, f := range relationFields {
		delete(cp, f)
	}
	return cp
}

func ids(docs []domain.Document) []any {
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.UUID())
	}
	return out
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
