package rebuild

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Command names a rebuild phase.
type Command string

const (
	CommandCreate  Command = "create"
	CommandCatchUp Command = "catch-up"
	CommandGoLive  Command = "go-live"
)

// IndexSnapshot is the state of one tracked source index and its offline
// destination at the end of a step.
type IndexSnapshot struct {
	Destination      string `json:"destination"`
	InitialCount     int64  `json:"initial_count"`
	SourceCount      int64  `json:"source_count"`
	DestinationCount int64  `json:"destination_count"`
	// MaxTimestamp is max(last_modified_timestamp, created_timestamp) in the source.
	MaxTimestamp int64 `json:"max_timestamp"`
}

// CatchUpData records what one catch-up touched.
type CatchUpData struct {
	CandidateCount int      `json:"candidate_count"`
	TouchedIDs     []string `json:"touched_ids"`
}

// Action is one completed go-live operation.
type Action struct {
	Step   string    `json:"step"`
	Index  string    `json:"index"`
	Target string    `json:"target,omitempty"`
	At     time.Time `json:"at"`
}

// GoLiveData records the swap actions performed so a partial swap can be resumed by hand.
type GoLiveData struct {
	// Flush maps each source index to its backup index name.
	Flush   map[string]string `json:"flush"`
	Actions []Action          `json:"actions"`
	Done    bool              `json:"done"`
}

// Step is one entry of the operation record.
type Step struct {
	Step       int                      `json:"step"`
	Command    Command                  `json:"command"`
	ExecutedAt time.Time                `json:"executed_at"`
	RunID      string                   `json:"run_id,omitempty"`
	Indices    map[string]IndexSnapshot `json:"indices,omitempty"`
	CatchUp    *CatchUpData             `json:"catch_up,omitempty"`
	GoLive     *GoLiveData              `json:"go_live,omitempty"`
	Failed     map[string]string        `json:"failed,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Record is the append-only log of one rebuild run. It is stored as a JSON
// object keyed by the step number.
type Record struct {
	Name  string
	Steps []Step
}

// RecordName derives the ledger key of a run started at t.
func RecordName(t time.Time) string {
	return t.UTC().Format("20060102-150405") + recordSuffix
}

const recordSuffix = "_rebuild.json"

// Latest returns the most recent step.
func (r *Record) Latest() Step {
	if len(r.Steps) == 0 {
		return Step{Step: -1}
	}
	return r.Steps[len(r.Steps)-1]
}

// LastSnapshot returns the index snapshot of the most recent step that carries one.
func (r *Record) LastSnapshot() map[string]IndexSnapshot {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if len(r.Steps[i].Indices) > 0 {
			return r.Steps[i].Indices
		}
	}
	return nil
}

// Append adds a step numbered after the latest one and returns a pointer to it.
func (r *Record) Append(cmd Command, at time.Time) *Step {
	r.Steps = append(r.Steps, Step{Step: len(r.Steps), Command: cmd, ExecutedAt: at.UTC()})
	return &r.Steps[len(r.Steps)-1]
}

// LiveDone reports whether a go-live step completed.
func (r *Record) LiveDone() bool {
	for _, s := range r.Steps {
		if s.Command == CommandGoLive && s.GoLive != nil && s.GoLive.Done {
			return true
		}
	}
	return false
}

// Outstanding returns the entity ids that failed in some step and have not
// been reindexed by a later successful catch-up, sorted. Run-level failure
// keys such as "enumerate:Donor" are not entity ids and are left out.
func (r *Record) Outstanding() []string {
	open := make(map[string]bool)
	for _, s := range r.Steps {
		if s.CatchUp != nil && s.Error == "" {
			for _, id := range s.CatchUp.TouchedIDs {
				delete(open, id)
			}
		}
		for id := range s.Failed {
			if !strings.Contains(id, ":") {
				open[id] = true
			}
		}
	}
	out := make([]string, 0, len(open))
	for id := range open {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]Step, len(r.Steps))
	for _, s := range r.Steps {
		out[strconv.Itoa(s.Step)] = s
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var raw map[string]Step
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "decode operation record")
	}
	steps := make([]Step, 0, len(raw))
	for k, s := range raw {
		n, err := strconv.Atoi(k)
		if err != nil {
			return errors.Errorf("operation record: step key %q is not a number", k)
		}
		s.Step = n
		steps = append(steps, s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })
	for i, s := range steps {
		if s.Step != i {
			return errors.Errorf("operation record: missing step %d", i)
		}
	}
	r.Steps = steps
	return nil
}
