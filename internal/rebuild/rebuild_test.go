package rebuild

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"searchsync/internal/entityclient"
	"searchsync/internal/ledger"
	"searchsync/internal/logger"
	"searchsync/internal/policy"
	"searchsync/internal/registry"
	"searchsync/internal/reindex"
	"searchsync/internal/searchindex"
	"searchsync/pkg/domain"
)

var opTime = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

type rig struct {
	src    *entityclient.Memory
	search *searchindex.Memory
	orch   *reindex.Orchestrator
	store  *ledger.MemoryStore
	reg    *registry.Registry
}

// newRig seeds D1 -> S1 -> X1 -> X2 and fills the live indices.
func newRig(t *testing.T) *rig {
	t.Helper()
	src := entityclient.NewMemory()
	src.Put(domain.Document{"uuid": "D1", "entity_type": "Donor", "data_access_level": "public", "last_modified_timestamp": 100})
	src.Put(domain.Document{"uuid": "S1", "entity_type": "Sample", "sample_category": "block", "data_access_level": "public", "last_modified_timestamp": 110})
	src.Put(domain.Document{"uuid": "X1", "entity_type": "Dataset", "status": "Published", "last_modified_timestamp": 120})
	src.Put(domain.Document{"uuid": "X2", "entity_type": "Dataset", "status": "QA", "title": "old", "created_timestamp": 130})
	src.Link("D1", "S1")
	src.Link("S1", "X1")
	src.Link("X1", "X2")

	pol, err := policy.New(nil, nil, nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Options{
		Groups: []domain.IndexGroup{{Name: "entities", PublicIndex: "ent_pub", PrivateIndex: "ent_priv"}},
		Policy: pol,
	})
	require.NoError(t, err)
	search := searchindex.NewMemory()
	orch := reindex.New(src, reg, search, logger.Nop(), nil, reindex.Config{Workers: 4})
	rep, err := orch.TranslateAll(context.Background(), reindex.AllOptions{})
	require.NoError(t, err)
	require.True(t, rep.OK(), rep.Failed)
	return &rig{src: src, search: search, orch: orch, store: ledger.NewMemory(), reg: reg}
}

func (r *rig) machine(search searchindex.Client, ceiling int) *Machine {
	m := New(r.reg, search, r.orch, r.store, logger.Nop(), nil, Config{CatchUpCeiling: ceiling})
	m.now = func() time.Time { return opTime }
	return m
}

func (r *rig) touch(t *testing.T, id string, fields map[string]any) {
	t.Helper()
	doc, err := r.src.GetDocument(context.Background(), id)
	require.NoError(t, err)
	for k, v := range fields {
		doc[k] = v
	}
	r.src.Put(doc)
	_, err = r.orch.Translate(context.Background(), id, reindex.RunOptions{})
	require.NoError(t, err)
}

func TestCreateFillsDestinations(t *testing.T) {
	r := newRig(t)
	m := r.machine(r.search, 10)
	rec, rep, err := m.Create(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Failed)

	assert.Equal(t, "20261018-120000_rebuild.json", rec.Name)
	assert.Equal(t, []string{"ent_priv", "ent_priv_fill", "ent_pub", "ent_pub_fill"}, r.search.Indices())
	step := rec.Latest()
	assert.Equal(t, 0, step.Step)
	assert.Equal(t, CommandCreate, step.Command)
	assert.Equal(t, IndexSnapshot{
		Destination:      "ent_priv_fill",
		InitialCount:     4,
		SourceCount:      4,
		DestinationCount: 4,
		MaxTimestamp:     130,
	}, step.Indices["ent_priv"])
	assert.EqualValues(t, 3, step.Indices["ent_pub"].DestinationCount)

	stored, err := m.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, rec.Steps, stored.Steps)
}

func TestCreateAbortsWhenDestinationExists(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.search.CreateIndex(context.Background(), "ent_pub_fill", nil))
	before := r.search.Indices()

	_, _, err := r.machine(r.search, 10).Create(context.Background(), Options{})
	var pre *domain.PreconditionError
	require.True(t, errors.As(err, &pre), err)
	assert.Equal(t, "ent_pub_fill", pre.Index)
	assert.Equal(t, domain.OutcomeFatal, domain.Classify(err))

	assert.Equal(t, before, r.search.Indices())
	keys, err := r.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCreateAbortsWhenSourceMissing(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.search.DeleteIndex(context.Background(), "ent_priv"))
	_, _, err := r.machine(r.search, 10).Create(context.Background(), Options{})
	var pre *domain.PreconditionError
	require.True(t, errors.As(err, &pre))
	assert.Equal(t, "ent_priv", pre.Index)
	assert.Equal(t, []string{"ent_pub"}, r.search.Indices())
}

func TestCatchUpReindexesChangedEntities(t *testing.T) {
	r := newRig(t)
	m := r.machine(r.search, 10)
	_, _, err := m.Create(context.Background(), Options{})
	require.NoError(t, err)

	r.touch(t, "X2", map[string]any{"title": "new", "last_modified_timestamp": 200})
	rec, rep, err := m.CatchUp(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Failed)

	doc, ok := r.search.Get("ent_priv_fill", "X2")
	require.True(t, ok)
	assert.Equal(t, "new", doc["title"])

	step := rec.Latest()
	assert.Equal(t, 1, step.Step)
	assert.Equal(t, CommandCatchUp, step.Command)
	assert.Equal(t, &CatchUpData{CandidateCount: 1, TouchedIDs: []string{"X2"}}, step.CatchUp)
	assert.EqualValues(t, 200, step.Indices["ent_priv"].MaxTimestamp)
	assert.EqualValues(t, 4, step.Indices["ent_priv"].InitialCount)

	again, _, err := m.CatchUp(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, again.Latest().CatchUp.CandidateCount)
	assert.Len(t, again.Steps, 3)
}

func TestCatchUpAbortsOverCeiling(t *testing.T) {
	r := newRig(t)
	m := r.machine(r.search, 1)
	_, _, err := m.Create(context.Background(), Options{})
	require.NoError(t, err)

	r.touch(t, "D1", map[string]any{"last_modified_timestamp": 300})
	r.touch(t, "X2", map[string]any{"title": "new", "last_modified_timestamp": 300})

	_, _, err = m.CatchUp(context.Background(), Options{})
	var tooMuch *domain.TooMuchToCatchUpError
	require.True(t, errors.As(err, &tooMuch), err)
	assert.Equal(t, 2, tooMuch.Candidates)
	assert.Equal(t, 1, tooMuch.Ceiling)

	doc, ok := r.search.Get("ent_priv_fill", "X2")
	require.True(t, ok)
	assert.Equal(t, "old", doc["title"])
	stored, err := m.Status(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, stored.Steps, 1)
}

func TestGoLiveSwapsIndices(t *testing.T) {
	r := newRig(t)
	m := r.machine(r.search, 10)
	_, _, err := m.Create(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, r.search.PutDocument(context.Background(), "ent_priv", "junk", domain.Document{"uuid": "junk"}))

	rec, err := m.GoLive(context.Background(), Options{})
	require.NoError(t, err)

	privFlush := FlushName("ent_priv", opTime)
	pubFlush := FlushName("ent_pub", opTime)
	assert.Equal(t, "ent_priv_flush_20261018120000", privFlush)
	assert.Equal(t, []string{"ent_priv", privFlush, "ent_pub", pubFlush}, r.search.Indices())

	_, ok := r.search.Get("ent_priv", "junk")
	assert.False(t, ok)
	_, ok = r.search.Get("ent_priv", "X2")
	assert.True(t, ok)
	_, ok = r.search.Get(privFlush, "junk")
	assert.True(t, ok)
	for _, index := range r.search.Indices() {
		assert.False(t, r.search.Blocked(index, searchindex.BlockWrite), index)
	}

	step := rec.Latest()
	assert.Equal(t, CommandGoLive, step.Command)
	require.NotNil(t, step.GoLive)
	assert.True(t, step.GoLive.Done)
	assert.Len(t, step.GoLive.Actions, 26)
	assert.Equal(t, map[string]string{"ent_priv": privFlush, "ent_pub": pubFlush}, step.GoLive.Flush)

	_, err = m.GoLive(context.Background(), Options{})
	var pre *domain.PreconditionError
	require.True(t, errors.As(err, &pre))
}

type cloneFailer struct {
	*searchindex.Memory
	target string
}

func (c cloneFailer) CloneIndex(ctx context.Context, src, dst string) error {
	if dst == c.target {
		return errors.New("disk full")
	}
	return c.Memory.CloneIndex(ctx, src, dst)
}

func TestGoLiveRecordsFailedStep(t *testing.T) {
	r := newRig(t)
	m := r.machine(cloneFailer{Memory: r.search, target: "ent_priv"}, 10)
	_, _, err := m.Create(context.Background(), Options{})
	require.NoError(t, err)

	_, err = m.GoLive(context.Background(), Options{})
	var swap *domain.SwapStepError
	require.True(t, errors.As(err, &swap), err)
	assert.Equal(t, StepClone, swap.Step)
	assert.Equal(t, "ent_priv_fill", swap.Index)

	stored, err := m.Status(context.Background(), "")
	require.NoError(t, err)
	step := stored.Latest()
	require.NotNil(t, step.GoLive)
	assert.False(t, step.GoLive.Done)
	assert.Len(t, step.GoLive.Actions, 7)
	assert.Contains(t, step.Error, "clone")

	flush := FlushName("ent_priv", opTime)
	_, ok := r.search.Get(flush, "X1")
	assert.True(t, ok)
	assert.True(t, r.search.Blocked("ent_priv_fill", searchindex.BlockWrite))
	exists, err := r.search.IndexExists(context.Background(), "ent_pub_fill")
	require.NoError(t, err)
	assert.True(t, exists)
}

type createFailer struct {
	*searchindex.Memory
	target string
}

func (c createFailer) CreateIndex(ctx context.Context, index string, mapping map[string]any) error {
	if index == c.target {
		return errors.New("too many shards")
	}
	return c.Memory.CreateIndex(ctx, index, mapping)
}

func TestCreateRemovesDestinationsOnFailure(t *testing.T) {
	r := newRig(t)
	_, _, err := r.machine(createFailer{Memory: r.search, target: "ent_priv_fill"}, 10).Create(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create ent_priv_fill")
	assert.Equal(t, []string{"ent_priv", "ent_pub"}, r.search.Indices())
	keys, err := r.store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, keys)

	rec, rep, err := r.machine(r.search, 10).Create(context.Background(), Options{})
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Failed)
	assert.Len(t, rec.Steps, 1)
}

func TestCatchUpRetriesFailedEntities(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	r.src.FailOn("X2", errors.New("entity service unavailable"))
	m := r.machine(r.search, 10)
	rec, rep, err := m.Create(ctx, Options{})
	require.NoError(t, err)
	require.False(t, rep.OK())
	assert.Contains(t, rep.Failed, "X2")
	failed := rec.Outstanding()
	assert.Contains(t, failed, "X2")

	_, err = m.GoLive(ctx, Options{})
	var pre *domain.PreconditionError
	require.True(t, errors.As(err, &pre), err)
	assert.Contains(t, pre.Reason, "X2")
	assert.Equal(t, []string{"ent_priv", "ent_priv_fill", "ent_pub", "ent_pub_fill"}, r.search.Indices())

	r.src.FailOn("X2", nil)
	r.src.Put(domain.Document{"uuid": "D2", "entity_type": "Donor", "data_access_level": "public", "last_modified_timestamp": 500})
	_, err = r.orch.Translate(ctx, "D2", reindex.RunOptions{})
	require.NoError(t, err)

	_, _, err = r.machine(r.search, len(failed)).CatchUp(ctx, Options{})
	var tooMuch *domain.TooMuchToCatchUpError
	require.True(t, errors.As(err, &tooMuch), err)
	assert.Equal(t, len(failed)+1, tooMuch.Candidates)

	rec, rep, err = m.CatchUp(ctx, Options{})
	require.NoError(t, err)
	assert.True(t, rep.OK(), rep.Failed)
	step := rec.Latest()
	assert.Equal(t, len(failed)+1, step.CatchUp.CandidateCount)
	assert.Contains(t, step.CatchUp.TouchedIDs, "X2")
	assert.Contains(t, step.CatchUp.TouchedIDs, "D2")
	assert.Empty(t, rec.Outstanding())
	_, ok := r.search.Get("ent_priv_fill", "X2")
	assert.True(t, ok)

	_, err = m.GoLive(ctx, Options{})
	require.NoError(t, err)
	_, ok = r.search.Get("ent_priv", "X2")
	assert.True(t, ok)
}

func TestRecordOutstanding(t *testing.T) {
	rec := &Record{Name: "r"}
	rec.Append(CommandCreate, opTime).Failed = map[string]string{
		"X1": "timeout", "X2": "timeout", "enumerate:Donor": "boom", "sweep:ent_pub": "boom",
	}
	assert.Equal(t, []string{"X1", "X2"}, rec.Outstanding())

	broken := rec.Append(CommandCatchUp, opTime)
	broken.CatchUp = &CatchUpData{CandidateCount: 2, TouchedIDs: []string{"X1", "X2"}}
	broken.Error = "catch-up reindex: context canceled"
	assert.Equal(t, []string{"X1", "X2"}, rec.Outstanding())

	retried := rec.Append(CommandCatchUp, opTime)
	retried.CatchUp = &CatchUpData{CandidateCount: 3, TouchedIDs: []string{"X1", "X2", "X3"}}
	retried.Failed = map[string]string{"X3": "timeout"}
	assert.Equal(t, []string{"X3"}, rec.Outstanding())
}

func TestLoadWithoutRecords(t *testing.T) {
	r := newRig(t)
	_, err := r.machine(r.search, 10).Status(context.Background(), "")
	var pre *domain.PreconditionError
	require.True(t, errors.As(err, &pre))

	_, err = r.machine(r.search, 10).Status(context.Background(), "20000101-000000_rebuild.json")
	require.True(t, errors.As(err, &pre))
}

func TestLoadPicksMostRecentRecord(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	require.NoError(t, r.store.Put(ctx, "20250101-000000_rebuild.json", []byte(`{"0":{"command":"create"}}`)))
	require.NoError(t, r.store.Put(ctx, "20260101-000000_rebuild.json", []byte(`{"0":{"command":"create"},"1":{"command":"catch-up"}}`)))
	require.NoError(t, r.store.Put(ctx, "zz-notes.txt", []byte(`x`)))

	rec, err := r.machine(r.search, 10).Load(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "20260101-000000_rebuild.json", rec.Name)
	assert.Equal(t, CommandCatchUp, rec.Latest().Command)
	assert.Equal(t, 1, rec.Latest().Step)
}

func TestRecordJSONKeyedByStep(t *testing.T) {
	rec := &Record{Name: "r"}
	rec.Append(CommandCreate, opTime).Indices = map[string]IndexSnapshot{"a": {Destination: "a_fill"}}
	rec.Append(CommandCatchUp, opTime)

	b, err := json.Marshal(rec)
	require.NoError(t, err)
	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(b, &raw))
	assert.Equal(t, "create", raw["0"]["command"])
	assert.Equal(t, "catch-up", raw["1"]["command"])

	var back Record
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, rec.Steps, back.Steps)
	assert.Equal(t, "a_fill", back.LastSnapshot()["a"].Destination)

	require.Error(t, json.Unmarshal([]byte(`{"0":{},"2":{}}`), &back))
	require.Error(t, json.Unmarshal([]byte(`{"x":{}}`), &back))
}
