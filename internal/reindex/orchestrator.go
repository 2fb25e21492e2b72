// Package reindex keeps search indices in step with the entity service: single
// entity reindex with fan-out to related entities, full reindex, tombstone
// reconciliation, and caller supplied document updates.
package reindex

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"searchsync/internal/compose"
	"searchsync/internal/entityclient"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/registry"
	"searchsync/internal/searchindex"
	"searchsync/internal/transform"
	"searchsync/internal/writer"
	"searchsync/pkg/domain"
)

// Run kinds reported in logs, metrics and job records.
const (
	KindTranslate    = "translate"
	KindTranslateAll = "translate_all"
	KindReconcile    = "reconcile"
	KindUpdate       = "update"
	KindAdd          = "add"
	KindDelete       = "delete"
)

// Source is the entity service surface the orchestrator needs.
type Source interface {
	compose.Source
	GetIDsByType(ctx context.Context, et domain.EntityType) ([]string, error)
}

// Config tunes an Orchestrator.
type Config struct {
	// Workers bounds concurrent per-entity tasks.
	Workers int
	// SweepPageSize is the page size of reconciliation scrolls.
	SweepPageSize int
}

// Orchestrator drives reindex runs. One instance is shared by every request.
type Orchestrator struct {
	src      Source
	reg      *registry.Registry
	search   searchindex.Client
	composer *compose.Composer
	pipeline *transform.Pipeline
	writer   *writer.Writer
	pool     *pool
	pageSize int
	logger   *logger.Logger
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

// New wires an orchestrator from the shared registry.
func New(src Source, reg *registry.Registry, search searchindex.Client, lg *logger.Logger, m *metrics.Metrics, cfg Config) *Orchestrator {
	if lg == nil {
		lg = logger.Nop()
	}
	if cfg.SweepPageSize < 1 {
		cfg.SweepPageSize = 10000
	}
	return &Orchestrator{
		src:    src,
		reg:    reg,
		search: search,
		composer: compose.New(src, reg.Policy(), compose.Options{
			Organs:  reg.Organs(),
			Logger:  lg.Component("compose"),
			Metrics: m,
		}),
		pipeline: transform.NewPipeline(reg.Transformers(), reg.Resources(), lg.Component("transform"), m),
		writer:   writer.New(search, m),
		pool:     newPool(cfg.Workers),
		pageSize: cfg.SweepPageSize,
		logger:   lg,
		log:      lg.Component("reindex"),
		metrics:  m,
	}
}

// Composer exposes the composer used for every run.
func (o *Orchestrator) Composer() *compose.Composer { return o.composer }

// RunOptions scope one run.
type RunOptions struct {
	// Token is passed to the entity service and to transformers.
	Token string
	// Groups restricts the run to these index groups; empty means all.
	Groups []string
	// Targets overrides the index pair written for a group, keyed by group name.
	Targets map[string]domain.IndexPair
}

type run struct {
	o       *Orchestrator
	id      string
	kind    string
	started time.Time
	groups  []domain.IndexGroup
	targets map[string]domain.IndexPair
	reindex bool
	res     *collector
	log     zerolog.Logger
}

func (o *Orchestrator) newRun(ctx context.Context, kind string, opts RunOptions) (context.Context, *run, error) {
	groups, err := o.reg.Select(opts.Groups)
	if err != nil {
		return ctx, nil, err
	}
	if opts.Token != "" {
		ctx = entityclient.ContextWithToken(ctx, opts.Token)
	}
	id := uuid.NewString()
	return ctx, &run{
		o:       o,
		id:      id,
		kind:    kind,
		started: time.Now().UTC(),
		groups:  groups,
		targets: opts.Targets,
		reindex: true,
		res:     newCollector(),
		log:     o.log.With().Str("run_id", id).Str("kind", kind).Logger(),
	}, nil
}

func (r *run) target(g domain.IndexGroup) domain.IndexPair {
	if p, ok := r.targets[g.Name]; ok {
		return p
	}
	return g.Pair()
}

func (r *run) fail(id string, err error) {
	kind := domain.Classify(err)
	r.o.metrics.RecordOutcome(kind.String())
	if kind == domain.OutcomeSkip {
		r.res.skipped.Add(1)
		r.log.Info().Str("uuid", id).Err(err).Msg("entity skipped")
		return
	}
	r.res.fail(id, err)
	r.log.Error().Str("uuid", id).Str("outcome", kind.String()).Err(err).Msg("entity failed")
}

func (r *run) finish() *Report {
	rep := &Report{
		RunID:      r.id,
		Kind:       r.kind,
		StartedAt:  r.started,
		FinishedAt: time.Now().UTC(),
		Indexed:    r.res.indexed.Load(),
		Skipped:    r.res.skipped.Load(),
		Deleted:    r.res.deleted.Load(),
		Failed:     r.res.failures(),
		Complete:   true,
	}
	r.o.logger.LogRunFinished(r.kind, r.id, rep.Indexed, rep.Failed, rep.FinishedAt.Sub(rep.StartedAt))
	return rep
}

// index composes entity for every run group and writes the results. Transform
// rejections skip only the affected group.
func (r *run) index(ctx context.Context, entity domain.Document) {
	id := entity.UUID()
	results, err := r.o.composer.ComposeFrom(ctx, entity, r.groups)
	if err != nil {
		r.fail(id, err)
		return
	}
	var writeErr error
	for _, g := range r.groups {
		res := results[g.Name]
		private, err := r.o.pipeline.Apply(ctx, g, res.Private)
		if err != nil {
			if domain.Classify(err) != domain.OutcomeSkip {
				writeErr = err
			}
			continue
		}
		public, err := r.o.pipeline.Apply(ctx, g, res.Public)
		if err != nil {
			if domain.Classify(err) != domain.OutcomeSkip {
				writeErr = err
				continue
			}
			public = nil
		}
		if err := r.o.writer.WritePair(ctx, id, private, public, r.target(g), r.reindex); err != nil {
			writeErr = err
		}
	}
	if writeErr != nil {
		r.fail(id, writeErr)
		return
	}
	r.res.indexed.Add(1)
	r.o.metrics.RecordOutcome(domain.OutcomeOK.String())
}

func (r *run) indexID(ctx context.Context, id string) {
	entity, err := r.o.src.GetDocument(ctx, id)
	if err != nil {
		r.fail(id, errors.Wrapf(err, "fetch %s", id))
		return
	}
	r.index(ctx, entity)
}

func (r *run) indexAll(ctx context.Context, ids []string) {
	r.o.pool.each(ctx, ids, r.indexID, r.fail)
}

// Translate reindexes id and then, concurrently, every related entity whose
// documents embed it. Related failures are collected, never abort siblings.
func (o *Orchestrator) Translate(ctx context.Context, id string, opts RunOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, KindTranslate, opts)
	if err != nil {
		return nil, err
	}
	err = r.translate(ctx, id)
	return r.finish(), err
}

// TranslateMany runs Translate for every id within one run and report.
func (o *Orchestrator) TranslateMany(ctx context.Context, ids []string, opts RunOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, KindTranslate, opts)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			r.fail(id, err)
			continue
		}
		_ = r.translate(ctx, id)
	}
	rep := r.finish()
	if r.res.fatal() {
		return rep, errors.New("translate aborted by a fatal failure")
	}
	return rep, nil
}

func (r *run) translate(ctx context.Context, id string) error {
	entity, err := r.o.src.GetDocument(ctx, id)
	if err != nil {
		err = errors.Wrapf(err, "fetch %s", id)
		r.fail(id, err)
		return err
	}
	et, err := entity.EntityType()
	if err != nil {
		r.fail(id, err)
		return err
	}
	if et.IsContainer() {
		r.index(ctx, entity)
		return nil
	}

	related, err := r.relatedIDs(ctx, id, et)
	if err != nil {
		r.fail(id, err)
		return err
	}
	r.index(ctx, entity)
	r.indexAll(ctx, related)
	return nil
}

func (r *run) relatedIDs(ctx context.Context, id string, et domain.EntityType) ([]string, error) {
	rels := []domain.Relation{domain.RelAncestors, domain.RelDescendants}
	if et.IsDatasetLike() {
		rels = append(rels, domain.RelPreviousRevisions, domain.RelNextRevisions, domain.RelCollections, domain.RelUploads)
	}
	seen := map[string]bool{id: true}
	var out []string
	for _, rel := range rels {
		ids, err := r.o.src.GetIDsByRelation(ctx, id, rel)
		if err != nil {
			return nil, errors.Wrapf(err, "%s of %s", rel, id)
		}
		for _, rid := range ids {
			if !seen[rid] {
				seen[rid] = true
				out = append(out, rid)
			}
		}
	}
	return out, nil
}

// AllOptions extend RunOptions for a full reindex.
type AllOptions struct {
	RunOptions
	// Live deletes indexed documents whose id no longer exists upstream.
	Live bool
}

// TranslateAll reindexes the whole corpus. Containers run concurrently with the
// provenance roots; roots are processed one at a time with their descendants in
// parallel. Tombstone cleanup runs only when every enumeration succeeded.
func (o *Orchestrator) TranslateAll(ctx context.Context, opts AllOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, KindTranslateAll, opts.RunOptions)
	if err != nil {
		return nil, err
	}
	live := xsync.NewMapOf[string, struct{}]()
	complete := true
	enumerate := func(et domain.EntityType) []string {
		ids, err := o.src.GetIDsByType(ctx, et)
		if err != nil {
			complete = false
			r.fail("enumerate:"+string(et), err)
			return nil
		}
		for _, id := range ids {
			live.Store(id, struct{}{})
		}
		return ids
	}

	var roots, containers []string
	for _, et := range []domain.EntityType{domain.EntityDonor, domain.EntitySource} {
		roots = append(roots, enumerate(et)...)
	}
	for _, et := range []domain.EntityType{domain.EntityUpload, domain.EntityCollection, domain.EntityEpicollection} {
		containers = append(containers, enumerate(et)...)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.indexAll(ctx, containers)
	}()

	for _, root := range roots {
		if ctx.Err() != nil {
			r.fail(root, ctx.Err())
			complete = false
			continue
		}
		descendants, err := o.src.GetIDsByRelation(ctx, root, domain.RelDescendants)
		if err != nil {
			complete = false
			r.fail(root, errors.Wrapf(err, "descendants of %s", root))
			continue
		}
		for _, id := range descendants {
			live.Store(id, struct{}{})
		}
		r.indexID(ctx, root)
		r.indexAll(ctx, descendants)
	}
	<-done

	if opts.Live {
		if complete {
			r.sweep(ctx, func(id string) bool {
				_, ok := live.Load(id)
				return ok
			})
		} else {
			r.log.Warn().Msg("enumeration incomplete, skipping tombstone cleanup")
		}
	}
	rep := r.finish()
	rep.Complete = complete
	return rep, nil
}

// Reconcile deletes every document in the run's indices whose id is not in live.
func (o *Orchestrator) Reconcile(ctx context.Context, live map[string]bool, opts RunOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, KindReconcile, opts)
	if err != nil {
		return nil, err
	}
	r.sweep(ctx, func(id string) bool { return live[id] })
	return r.finish(), nil
}

// sweep pages through every target index and removes ids alive rejects.
func (r *run) sweep(ctx context.Context, alive func(string) bool) {
	for _, g := range r.groups {
		for _, index := range r.target(g).Names() {
			var stale []string
			err := r.o.search.ScrollIDs(ctx, index, r.o.pageSize, func(ids []string) error {
				for _, id := range ids {
					if !alive(id) {
						stale = append(stale, id)
					}
				}
				return nil
			})
			if err != nil {
				r.fail("sweep:"+index, err)
				continue
			}
			sort.Strings(stale)
			for _, id := range stale {
				if err := r.o.search.DeleteDocument(ctx, index, id); err != nil {
					r.fail(id, errors.Wrapf(err, "tombstone %s in %s", id, index))
					continue
				}
				r.res.deleted.Add(1)
				r.o.metrics.RecordDelete(index, "tombstone")
			}
			if len(stale) > 0 {
				r.log.Info().Str("index", index).Int("deleted", len(stale)).Msg("tombstone cleanup")
			}
		}
	}
}

// UpdateDocument rewrites id from a caller supplied body using delete-then-write.
func (o *Orchestrator) UpdateDocument(ctx context.Context, id string, body domain.Document, opts RunOptions) (*Report, error) {
	return o.fromBody(ctx, KindUpdate, id, body, true, opts)
}

// AddDocument writes id from a caller supplied body without deleting first.
func (o *Orchestrator) AddDocument(ctx context.Context, id string, body domain.Document, opts RunOptions) (*Report, error) {
	return o.fromBody(ctx, KindAdd, id, body, false, opts)
}

func (o *Orchestrator) fromBody(ctx context.Context, kind, id string, body domain.Document, reindex bool, opts RunOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, kind, opts)
	if err != nil {
		return nil, err
	}
	r.reindex = reindex
	entity, err := r.mergeBody(ctx, id, body)
	if err != nil {
		r.fail(id, err)
		return r.finish(), err
	}
	r.index(ctx, entity)
	return r.finish(), nil
}

// mergeBody overlays body on the current snapshot when body lacks entity_type.
func (r *run) mergeBody(ctx context.Context, id string, body domain.Document) (domain.Document, error) {
	if got := body.UUID(); got != "" && got != id {
		return nil, errors.Errorf("body uuid %s does not match %s", got, id)
	}
	entity := body.Clone()
	if entity == nil {
		entity = domain.Document{}
	}
	entity[domain.FieldUUID] = id
	if entity.Has(domain.FieldEntityType) {
		return entity, nil
	}
	current, err := r.o.src.GetDocument(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", id)
	}
	for k, v := range entity {
		current[k] = v
	}
	return current, nil
}

// DeleteEntity removes id from every target index, including duplicates stored
// under other document ids.
func (o *Orchestrator) DeleteEntity(ctx context.Context, id string, opts RunOptions) (*Report, error) {
	ctx, r, err := o.newRun(ctx, KindDelete, opts)
	if err != nil {
		return nil, err
	}
	var firstErr error
	for _, g := range r.groups {
		for _, index := range r.target(g).Names() {
			n, err := o.search.DeleteByField(ctx, index, domain.FieldUUID, id)
			if err != nil {
				firstErr = err
				continue
			}
			if err := o.writer.Delete(ctx, id, index); err != nil {
				firstErr = err
				continue
			}
			r.res.deleted.Add(n)
		}
	}
	if firstErr != nil {
		r.fail(id, firstErr)
	}
	return r.finish(), firstErr
}
