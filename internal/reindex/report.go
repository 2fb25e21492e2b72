package reindex

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"searchsync/pkg/domain"
)

// Report summarizes one orchestrator run.
type Report struct {
	RunID      string            `json:"run_id"`
	Kind       string            `json:"kind"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Indexed    int64             `json:"indexed"`
	Skipped    int64             `json:"skipped"`
	Deleted    int64             `json:"deleted"`
	Failed     map[string]string `json:"failed,omitempty"`
	// Complete is false when enumeration failed and tombstone cleanup was skipped.
	Complete bool `json:"complete"`
}

// FailedIDs returns the failed ids sorted.
func (r *Report) FailedIDs() []string {
	out := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OK reports whether the run finished without failures.
func (r *Report) OK() bool { return len(r.Failed) == 0 }

// collector accumulates results from concurrent workers. It is append-only.
type collector struct {
	indexed atomic.Int64
	skipped atomic.Int64
	deleted atomic.Int64
	failed  *xsync.MapOf[string, string]
	kinds   *xsync.MapOf[string, domain.OutcomeKind]
}

func newCollector() *collector {
	return &collector{
		failed: xsync.NewMapOf[string, string](),
		kinds:  xsync.NewMapOf[string, domain.OutcomeKind](),
	}
}

func (c *collector) fail(id string, err error) {
	c.failed.Store(id, err.Error())
	c.kinds.Store(id, domain.Classify(err))
}

func (c *collector) failures() map[string]string {
	out := make(map[string]string, c.failed.Size())
	c.failed.Range(func(id, msg string) bool {
		out[id] = msg
		return true
	})
	return out
}

// fatal reports whether any recorded failure must abort the caller.
func (c *collector) fatal() bool {
	found := false
	c.kinds.Range(func(_ string, k domain.OutcomeKind) bool {
		if k == domain.OutcomeFatal {
			found = true
			return false
		}
		return true
	})
	return found
}
