package rebuild

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"searchsync/internal/searchindex"
	"searchsync/pkg/domain"
)

// Go-live step names recorded in the operation record.
const (
	StepBlockWrite  = "block_write"
	StepWaitHealth  = "wait_health"
	StepClone       = "clone"
	StepClearBlocks = "clear_blocks"
	StepDelete      = "delete"
)

type swapAction struct {
	step   string
	index  string
	target string
	run    func(ctx context.Context) error
}

// swapPlan lists the go-live actions for one (src, dst) pair. No index is
// deleted before the index replacing it has been cloned and reported healthy.
func (m *Machine) swapPlan(src, dst, flush string) []swapAction {
	s := m.search
	wait := func(index string) func(context.Context) error {
		return func(ctx context.Context) error {
			return s.WaitForHealth(ctx, index, searchindex.HealthGreen, m.cfg.HealthTimeout)
		}
	}
	block := func(index string, b searchindex.Block) func(context.Context) error {
		return func(ctx context.Context) error { return s.SetBlock(ctx, index, b) }
	}
	return []swapAction{
		{step: StepBlockWrite, index: src, run: block(src, searchindex.BlockWrite)},
		{step: StepBlockWrite, index: dst, run: block(dst, searchindex.BlockWrite)},
		{step: StepWaitHealth, index: src, run: wait(src)},
		{step: StepClone, index: src, target: flush, run: func(ctx context.Context) error { return s.CloneIndex(ctx, src, flush) }},
		{step: StepWaitHealth, index: flush, run: wait(flush)},
		{step: StepClearBlocks, index: src, run: block(src, searchindex.BlockNone)},
		{step: StepDelete, index: src, run: func(ctx context.Context) error { return s.DeleteIndex(ctx, src) }},
		{step: StepClone, index: dst, target: src, run: func(ctx context.Context) error { return s.CloneIndex(ctx, dst, src) }},
		{step: StepWaitHealth, index: src, run: wait(src)},
		{step: StepClearBlocks, index: dst, run: block(dst, searchindex.BlockNone)},
		{step: StepDelete, index: dst, run: func(ctx context.Context) error { return s.DeleteIndex(ctx, dst) }},
		{step: StepClearBlocks, index: src, run: block(src, searchindex.BlockNone)},
		{step: StepClearBlocks, index: flush, run: block(flush, searchindex.BlockNone)},
	}
}

// GoLive swaps every destination in under its source name, keeping the former
// source as a flush backup. Each completed action is persisted before the next
// one starts.
func (m *Machine) GoLive(ctx context.Context, opts Options) (rec *Record, err error) {
	defer func() { m.metrics.RecordPhase(string(CommandGoLive), err) }()
	rec, err = m.Load(ctx, opts.Op)
	if err != nil {
		return nil, err
	}
	if rec.LiveDone() {
		return rec, &domain.PreconditionError{Reason: "operation " + rec.Name + " is already live"}
	}
	if left := rec.Outstanding(); len(left) > 0 {
		return rec, &domain.PreconditionError{Reason: fmt.Sprintf("operation %s has %d entities that failed to reindex (%s); run catch-up to retry them",
			rec.Name, len(left), strings.Join(left, ", "))}
	}
	snaps := rec.LastSnapshot()
	if len(snaps) == 0 {
		return rec, &domain.PreconditionError{Reason: "operation " + rec.Name + " has no index snapshot"}
	}
	sources := sortedKeys(snaps)
	for _, src := range sources {
		if err := m.requireIndex(ctx, src, true); err != nil {
			return rec, err
		}
		if err := m.requireIndex(ctx, snaps[src].Destination, true); err != nil {
			return rec, err
		}
	}

	at := m.now()
	step := rec.Append(CommandGoLive, at)
	step.GoLive = &GoLiveData{Flush: make(map[string]string, len(sources))}
	for _, src := range sources {
		step.GoLive.Flush[src] = FlushName(src, at)
	}
	if err := m.save(ctx, rec); err != nil {
		return rec, err
	}

	for _, src := range sources {
		dst, flush := snaps[src].Destination, step.GoLive.Flush[src]
		for _, a := range m.swapPlan(src, dst, flush) {
			log := m.log.With().Str("op", rec.Name).Str("step", a.step).Str("index", a.index).Str("target", a.target).Logger()
			if err := a.run(ctx); err != nil {
				swapErr := &domain.SwapStepError{Step: a.step, Index: a.index, Err: err}
				log.Error().Err(err).Msg("go-live step failed")
				step.Error = swapErr.Error()
				if saveErr := m.save(ctx, rec); saveErr != nil {
					log.Error().Err(saveErr).Msg("persist failed go-live step")
				}
				return rec, swapErr
			}
			step.GoLive.Actions = append(step.GoLive.Actions, Action{Step: a.step, Index: a.index, Target: a.target, At: m.now()})
			if err := m.save(ctx, rec); err != nil {
				return rec, errors.Wrap(err, "go-live")
			}
			log.Info().Msg("go-live step done")
		}
	}
	step.GoLive.Done = true
	if err := m.save(ctx, rec); err != nil {
		return rec, err
	}
	m.log.Info().Str("op", rec.Name).Strs("indices", sources).Msg("go-live finished")
	return rec, nil
}
