package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrEntityNotFound is wrapped by UpstreamError when the system of record answers 404.
var ErrEntityNotFound = errors.New("entity not found")

// ErrIndexNotFound is returned by search clients for operations on a missing index.
var ErrIndexNotFound = errors.New("index not found")

// ErrUnknownEntityType is returned when an entity_type value is outside the closed set.
type ErrUnknownEntityType struct {
	Value string
}

func (e ErrUnknownEntityType) Error() string {
	if e.Value == "" {
		return "entity_type missing"
	}
	return fmt.Sprintf("unknown entity_type %q", e.Value)
}

// UpstreamError reports a failed call to the entity service or search engine.
// It is always retryable by the caller.
type UpstreamError struct {
	Target string // entity id or index name
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("upstream %s (%s): status %d: %v", e.Target, e.URL, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("upstream %s (%s): status %d", e.Target, e.URL, e.Status)
	default:
		return fmt.Sprintf("upstream %s (%s): %v", e.Target, e.URL, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SkipError marks a document that was deliberately not written, such as a
// transformer rejection. Sibling index groups and batch members proceed.
type SkipError struct {
	ID     string
	Group  string
	Reason string
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skip %s for %s: %s", e.ID, e.Group, e.Reason)
}

// PreconditionError aborts a rebuild phase before any index is touched.
type PreconditionError struct {
	Index  string
	Reason string
}

func (e *PreconditionError) Error() string {
	if e.Index == "" {
		return "precondition failed: " + e.Reason
	}
	return fmt.Sprintf("precondition failed for %s: %s", e.Index, e.Reason)
}

// TooMuchToCatchUpError aborts a catch-up whose candidate set exceeds the ceiling.
type TooMuchToCatchUpError struct {
	Candidates int
	Ceiling    int
}

func (e *TooMuchToCatchUpError) Error() string {
	return fmt.Sprintf("too much to catch up: %d candidate ids exceed ceiling %d", e.Candidates, e.Ceiling)
}

// SwapStepError identifies the go-live step that failed so an operator can resume by hand.
type SwapStepError struct {
	Step  string
	Index string
	Err   error
}

func (e *SwapStepError) Error() string {
	return fmt.Sprintf("go-live step %s on %s failed: %v", e.Step, e.Index, e.Err)
}

func (e *SwapStepError) Unwrap() error { return e.Err }
