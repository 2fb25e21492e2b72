// Package rebuild implements the blue-green index rebuild protocol: create an
// offline copy of every tracked index, catch it up with entities that changed
// meanwhile, then swap it in under the live name. Every phase appends a step
// to a durable operation record so the protocol survives restarts.
package rebuild

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"searchsync/internal/ledger"
	"searchsync/internal/logger"
	"searchsync/internal/metrics"
	"searchsync/internal/registry"
	"searchsync/internal/reindex"
	"searchsync/internal/searchindex"
	"searchsync/pkg/domain"
)

// Timestamp fields compared by catch-up.
const (
	FieldLastModified = "last_modified_timestamp"
	FieldCreated      = "created_timestamp"
)

var timestampFields = []string{FieldLastModified, FieldCreated}

// Reindexer is the orchestrator surface the rebuild drives.
type Reindexer interface {
	TranslateAll(ctx context.Context, opts reindex.AllOptions) (*reindex.Report, error)
	TranslateMany(ctx context.Context, ids []string, opts reindex.RunOptions) (*reindex.Report, error)
}

var _ Reindexer = (*reindex.Orchestrator)(nil)

// Config tunes a Machine.
type Config struct {
	// CatchUpCeiling is the largest candidate set a catch-up will reindex.
	CatchUpCeiling int
	HealthTimeout  time.Duration
}

// Machine runs rebuild phases. Phases are operator sequenced and never run
// concurrently against the same record.
type Machine struct {
	reg       *registry.Registry
	search    searchindex.Client
	reindexer Reindexer
	store     ledger.Store
	log       zerolog.Logger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
}

// New wires a rebuild machine.
func New(reg *registry.Registry, search searchindex.Client, rx Reindexer, store ledger.Store, lg *logger.Logger, m *metrics.Metrics, cfg Config) *Machine {
	if lg == nil {
		lg = logger.Nop()
	}
	if cfg.CatchUpCeiling < 1 {
		cfg.CatchUpCeiling = 10000
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 5 * time.Minute
	}
	return &Machine{
		reg:       reg,
		search:    search,
		reindexer: rx,
		store:     store,
		log:       lg.Component("rebuild"),
		metrics:   m,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Options scope one phase.
type Options struct {
	// Token is forwarded to the entity service.
	Token string
	// Op names the operation record; empty selects the most recent one.
	Op string
}

// DestinationName is the offline index rebuilt for src.
func DestinationName(src string) string { return src + "_fill" }

// FlushName is the backup index the former live src is cloned to.
func FlushName(src string, at time.Time) string {
	return src + "_flush_" + at.UTC().Format("20060102150405")
}

func (m *Machine) targets() map[string]domain.IndexPair {
	out := make(map[string]domain.IndexPair)
	for _, g := range m.reg.Groups() {
		out[g.Name] = domain.IndexPair{Public: DestinationName(g.PublicIndex), Private: DestinationName(g.PrivateIndex)}
	}
	return out
}

// Create verifies every tracked index, snapshots it, builds the offline
// destinations and fills them with a full reindex. No index is touched unless
// every precondition holds.
func (m *Machine) Create(ctx context.Context, opts Options) (rec *Record, rep *reindex.Report, err error) {
	defer func() { m.metrics.RecordPhase(string(CommandCreate), err) }()
	sources := m.reg.TrackedIndices()
	for _, src := range sources {
		if err := m.requireIndex(ctx, src, true); err != nil {
			return nil, nil, err
		}
		if err := m.requireIndex(ctx, DestinationName(src), false); err != nil {
			return nil, nil, err
		}
	}
	snaps := make(map[string]IndexSnapshot, len(sources))
	for _, src := range sources {
		snap, err := m.snapshot(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		snap.InitialCount = snap.SourceCount
		snaps[src] = snap
	}

	started := m.now()
	rec = &Record{Name: RecordName(started)}
	var created []string
	for _, g := range m.reg.Groups() {
		for _, src := range g.Pair().Names() {
			dst := DestinationName(src)
			if err := m.search.CreateIndex(ctx, dst, m.reg.Mapping(g.Name)); err != nil {
				m.dropCreated(ctx, created)
				return nil, nil, errors.Wrapf(err, "create %s", dst)
			}
			created = append(created, dst)
			m.log.Info().Str("index", dst).Str("group", g.Name).Msg("destination index created")
		}
	}
	step := rec.Append(CommandCreate, started)
	step.Indices = snaps
	if err := m.save(ctx, rec); err != nil {
		m.dropCreated(ctx, created)
		return nil, nil, err
	}

	rep, err = m.reindexer.TranslateAll(ctx, reindex.AllOptions{
		RunOptions: reindex.RunOptions{Token: opts.Token, Targets: m.targets()},
	})
	if err != nil {
		step.Error = err.Error()
		_ = m.save(ctx, rec)
		return rec, rep, errors.Wrap(err, "populate destinations")
	}
	step.RunID = rep.RunID
	step.Failed = failedOrNil(rep.Failed)
	if err := m.countDestinations(ctx, step.Indices); err != nil {
		return rec, rep, err
	}
	if err := m.save(ctx, rec); err != nil {
		return rec, rep, err
	}
	m.log.Info().Str("op", rec.Name).Int64("indexed", rep.Indexed).Int("failed", len(rep.Failed)).Msg("create finished")
	return rec, rep, nil
}

// CatchUp reindexes, into the destinations, every entity whose source
// document changed after the latest snapshot. It refuses to reindex anything
// when the candidate set exceeds the configured ceiling.
func (m *Machine) CatchUp(ctx context.Context, opts Options) (rec *Record, rep *reindex.Report, err error) {
	defer func() { m.metrics.RecordPhase(string(CommandCatchUp), err) }()
	rec, err = m.Load(ctx, opts.Op)
	if err != nil {
		return nil, nil, err
	}
	if rec.LiveDone() {
		return rec, nil, &domain.PreconditionError{Reason: "operation " + rec.Name + " is already live"}
	}
	prev := rec.LastSnapshot()
	if len(prev) == 0 {
		return rec, nil, &domain.PreconditionError{Reason: "operation " + rec.Name + " has no index snapshot"}
	}
	sources := sortedKeys(prev)
	for _, src := range sources {
		if err := m.requireIndex(ctx, prev[src].Destination, true); err != nil {
			return rec, nil, err
		}
	}

	next := make(map[string]IndexSnapshot, len(prev))
	seen := make(map[string]bool)
	var ids []string
	for _, src := range sources {
		old := prev[src]
		cur, err := m.snapshot(ctx, src)
		if err != nil {
			return rec, nil, err
		}
		found, total, err := m.search.QueryIDsByTimeRange(ctx, src, timestampFields, old.MaxTimestamp, m.cfg.CatchUpCeiling)
		if err != nil {
			return rec, nil, errors.Wrapf(err, "query changes in %s", src)
		}
		if total > int64(m.cfg.CatchUpCeiling) {
			return rec, nil, &domain.TooMuchToCatchUpError{Candidates: int(total), Ceiling: m.cfg.CatchUpCeiling}
		}
		for _, id := range found {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		cur.Destination = old.Destination
		cur.InitialCount = old.InitialCount
		if old.MaxTimestamp > cur.MaxTimestamp {
			cur.MaxTimestamp = old.MaxTimestamp
		}
		next[src] = cur
	}
	retry := rec.Outstanding()
	for _, id := range retry {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) > m.cfg.CatchUpCeiling {
		return rec, nil, &domain.TooMuchToCatchUpError{Candidates: len(ids), Ceiling: m.cfg.CatchUpCeiling}
	}
	sort.Strings(ids)
	m.log.Info().Str("op", rec.Name).Int("candidates", len(ids)).Int("retried", len(retry)).Msg("catch-up candidates collected")

	rep, err = m.reindexer.TranslateMany(ctx, ids, reindex.RunOptions{Token: opts.Token, Targets: m.targets()})
	step := rec.Append(CommandCatchUp, m.now())
	step.CatchUp = &CatchUpData{CandidateCount: len(ids), TouchedIDs: ids}
	if rep != nil {
		step.RunID = rep.RunID
		step.Failed = failedOrNil(rep.Failed)
	}
	if err != nil {
		step.Error = err.Error()
		_ = m.save(ctx, rec)
		return rec, rep, errors.Wrap(err, "catch-up reindex")
	}
	step.Indices = next
	if err := m.countDestinations(ctx, step.Indices); err != nil {
		return rec, rep, err
	}
	if err := m.save(ctx, rec); err != nil {
		return rec, rep, err
	}
	return rec, rep, nil
}

// dropCreated removes destinations made by a Create that could not finish, so
// the next Create does not trip over them.
func (m *Machine) dropCreated(ctx context.Context, created []string) {
	for _, dst := range created {
		if err := m.search.DeleteIndex(ctx, dst); err != nil {
			m.log.Warn().Err(err).Str("index", dst).Msg("leftover destination index, delete it by hand")
			continue
		}
		m.log.Info().Str("index", dst).Msg("destination index removed after failed create")
	}
}

// Status loads an operation record.
func (m *Machine) Status(ctx context.Context, op string) (*Record, error) {
	return m.Load(ctx, op)
}

// Load reads the named record, or the most recent one when op is empty.
func (m *Machine) Load(ctx context.Context, op string) (*Record, error) {
	if op == "" {
		keys, err := m.store.List(ctx, "")
		if err != nil {
			return nil, errors.Wrap(err, "list operation records")
		}
		for i := len(keys) - 1; i >= 0; i-- {
			if strings.HasSuffix(keys[i], recordSuffix) {
				op = keys[i]
				break
			}
		}
		if op == "" {
			return nil, &domain.PreconditionError{Reason: "no rebuild operation record found"}
		}
	}
	b, err := m.store.Get(ctx, op)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, &domain.PreconditionError{Reason: "operation record " + op + " not found"}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read operation record %s", op)
	}
	rec := &Record{Name: op}
	if err := json.Unmarshal(b, rec); err != nil {
		return nil, errors.Wrapf(err, "operation record %s", op)
	}
	return rec, nil
}

func (m *Machine) save(ctx context.Context, rec *Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode operation record")
	}
	return errors.Wrapf(m.store.Put(ctx, rec.Name, b), "persist operation record %s", rec.Name)
}

// requireIndex checks that index exists (or not) and returns a PreconditionError otherwise.
func (m *Machine) requireIndex(ctx context.Context, index string, exists bool) error {
	ok, err := m.search.IndexExists(ctx, index)
	if err != nil {
		return &domain.PreconditionError{Index: index, Reason: "cannot verify index: " + err.Error()}
	}
	switch {
	case exists && !ok:
		return &domain.PreconditionError{Index: index, Reason: "index does not exist"}
	case !exists && ok:
		return &domain.PreconditionError{Index: index, Reason: "index already exists"}
	}
	return nil
}

func (m *Machine) snapshot(ctx context.Context, src string) (IndexSnapshot, error) {
	count, err := m.search.Count(ctx, src)
	if err != nil {
		return IndexSnapshot{}, errors.Wrapf(err, "count %s", src)
	}
	snap := IndexSnapshot{Destination: DestinationName(src), SourceCount: count}
	for _, f := range timestampFields {
		v, ok, err := m.search.AggregateMax(ctx, src, f)
		if err != nil {
			return IndexSnapshot{}, errors.Wrapf(err, "max %s in %s", f, src)
		}
		if ok && v > snap.MaxTimestamp {
			snap.MaxTimestamp = v
		}
	}
	return snap, nil
}

func (m *Machine) countDestinations(ctx context.Context, snaps map[string]IndexSnapshot) error {
	for src, snap := range snaps {
		n, err := m.search.Count(ctx, snap.Destination)
		if err != nil {
			return errors.Wrapf(err, "count %s", snap.Destination)
		}
		snap.DestinationCount = n
		snaps[src] = snap
	}
	return nil
}

func sortedKeys(m map[string]IndexSnapshot) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func failedOrNil(failed map[string]string) map[string]string {
	if len(failed) == 0 {
		return nil
	}
	return failed
}
