package compose

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"searchsync/pkg/domain"
)

// fetchConcurrency bounds parallel document fetches while gathering one entity.
const fetchConcurrency = 8

// Snapshot is everything read from the entity service to compose one entity. Every
// index group's documents are built from the same snapshot.
type Snapshot struct {
	Entity domain.Document
	Type   domain.EntityType

	Ancestors     []domain.Document
	Descendants   []domain.Document
	Parents       []domain.Document
	Children      []domain.Document
	SourceSamples []domain.Document

	PreviousRevisionIDs []string
	NextRevisions       []domain.Document

	// Public is the visibility of Entity; PublicIDs holds the publicly visible
	// descendants and is only populated when Public is true.
	Public    bool
	PublicIDs map[string]bool
}

// GatherOptions tunes what Gather reads.
type GatherOptions struct {
	// Immediate fetches one-hop parents and children for immediate relation summaries.
	Immediate bool
}

// Gather fetches the entity with id and the graph around it.
func (c *Composer) Gather(ctx context.Context, id string, opts GatherOptions) (*Snapshot, error) {
	entity, err := c.src.GetDocument(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", id)
	}
	return c.GatherFrom(ctx, entity, opts)
}

// GatherFrom expands the graph around an already fetched (or caller supplied) entity.
func (c *Composer) GatherFrom(ctx context.Context, entity domain.Document, opts GatherOptions) (*Snapshot, error) {
	et, err := entity.EntityType()
	if err != nil {
		return nil, err
	}
	id := entity.UUID()
	if id == "" {
		return nil, errors.New("entity has no uuid")
	}
	snap := &Snapshot{Entity: entity, Type: et}
	if et == domain.EntitySample && !entity.Has(domain.FieldSampleCategory) {
		c.log.Warn().Str("uuid", id).Msg("data quality: sample has no sample_category")
	}

	if !et.IsContainer() {
		if err := c.gatherGraph(ctx, snap, opts); err != nil {
			return nil, err
		}
	}

	public, err := c.vis.IsPublic(ctx, entity)
	if err != nil {
		return nil, err
	}
	snap.Public = public
	if public {
		snap.PublicIDs = make(map[string]bool, len(snap.Descendants))
		for _, d := range snap.Descendants {
			ok, err := c.vis.IsPublic(ctx, d)
			if err != nil {
				return nil, errors.Wrapf(err, "visibility of descendant %s", d.UUID())
			}
			if ok {
				snap.PublicIDs[d.UUID()] = true
			}
		}
	}
	return snap, nil
}

func (c *Composer) gatherGraph(ctx context.Context, snap *Snapshot, opts GatherOptions) error {
	id := snap.Entity.UUID()
	ancestorIDs, err := c.src.GetIDsByRelation(ctx, id, domain.RelAncestors)
	if err != nil {
		return errors.Wrapf(err, "ancestors of %s", id)
	}
	if snap.Ancestors, err = c.fetchAll(ctx, ancestorIDs); err != nil {
		return err
	}
	descendantIDs, err := c.src.GetIDsByRelation(ctx, id, domain.RelDescendants)
	if err != nil {
		return errors.Wrapf(err, "descendants of %s", id)
	}
	if snap.Descendants, err = c.fetchAll(ctx, descendantIDs); err != nil {
		return err
	}

	known := make(map[string]domain.Document, len(snap.Ancestors)+len(snap.Descendants))
	for _, d := range snap.Ancestors {
		known[d.UUID()] = d
	}
	for _, d := range snap.Descendants {
		known[d.UUID()] = d
	}

	if opts.Immediate {
		if snap.Parents, err = c.related(ctx, id, domain.RelParents, known); err != nil {
			return err
		}
		if snap.Children, err = c.related(ctx, id, domain.RelChildren, known); err != nil {
			return err
		}
	}

	if snap.Type.IsDatasetLike() {
		if snap.SourceSamples, err = c.sourceSamples(ctx, id, known); err != nil {
			return err
		}
		if snap.PreviousRevisionIDs, err = c.src.GetIDsByRelation(ctx, id, domain.RelPreviousRevisions); err != nil {
			return errors.Wrapf(err, "previous revisions of %s", id)
		}
		nextIDs, err := c.src.GetIDsByRelation(ctx, id, domain.RelNextRevisions)
		if err != nil {
			return errors.Wrapf(err, "next revisions of %s", id)
		}
		if snap.NextRevisions, err = c.fetchAll(ctx, nextIDs); err != nil {
			return err
		}
	}
	return nil
}

// related resolves one relation to documents, reusing already fetched snapshots.
func (c *Composer) related(ctx context.Context, id string, rel domain.Relation, known map[string]domain.Document) ([]domain.Document, error) {
	ids, err := c.src.GetIDsByRelation(ctx, id, rel)
	if err != nil {
		return nil, errors.Wrapf(err, "%s of %s", rel, id)
	}
	out := make([]domain.Document, len(ids))
	var missing []string
	var slots []int
	for i, rid := range ids {
		if d, ok := known[rid]; ok {
			out[i] = d
			continue
		}
		missing = append(missing, rid)
		slots = append(slots, i)
	}
	fetched, err := c.fetchAll(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, d := range fetched {
		out[slots[j]] = d
		known[d.UUID()] = d
	}
	return out, nil
}

// sourceSamples walks up immediate parents one hop at a time. At the first level
// holding a Sample, that whole level (the Sample and its siblings) is returned.
// The walk ends when the chain is exhausted; visited ids are never expanded twice.
func (c *Composer) sourceSamples(ctx context.Context, id string, known map[string]domain.Document) ([]domain.Document, error) {
	visited := map[string]bool{id: true}
	frontier := []string{id}
	for len(frontier) > 0 {
		var level []domain.Document
		found := false
		for _, cur := range frontier {
			parents, err := c.related(ctx, cur, domain.RelParents, known)
			if err != nil {
				return nil, err
			}
			for _, p := range parents {
				pid := p.UUID()
				if visited[pid] {
					continue
				}
				visited[pid] = true
				level = append(level, p)
				if et, err := p.EntityType(); err == nil && et == domain.EntitySample {
					found = true
				}
			}
		}
		if found {
			return level, nil
		}
		frontier = frontier[:0]
		for _, p := range level {
			frontier = append(frontier, p.UUID())
		}
	}
	return nil, nil
}

// fetchAll fetches ids concurrently, preserving order. Any failure aborts.
func (c *Composer) fetchAll(ctx context.Context, ids []string) ([]domain.Document, error) {
	out := make([]domain.Document, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			doc, err := c.src.GetDocument(gctx, id)
			if err != nil {
				return errors.Wrapf(err, "fetch related %s", id)
			}
			out[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
