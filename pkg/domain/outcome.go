package domain

import (
	"context"

	"github.com/pkg/errors"
)

// OutcomeKind classifies the result of processing one entity.
type OutcomeKind int

const (
	// OutcomeOK means the work completed.
	OutcomeOK OutcomeKind = iota
	// OutcomeRetryable means an upstream call failed; the caller may retry later.
	OutcomeRetryable
	// OutcomeFatal means the surrounding operation must abort.
	OutcomeFatal
	// OutcomeSkip means the document was intentionally not written.
	OutcomeSkip
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Outcome pairs an entity id with the classified result of processing it.
type Outcome struct {
	ID   string
	Kind OutcomeKind
	Err  error
}

// NewOutcome classifies err for id.
func NewOutcome(id string, err error) Outcome {
	return Outcome{ID: id, Kind: Classify(err), Err: err}
}

// Classify maps an error to the outcome a batch caller should act on.
// Unrecognised errors are treated as retryable.
func Classify(err error) OutcomeKind {
	if err == nil {
		return OutcomeOK
	}
	var (
		skip     *SkipError
		pre      *PreconditionError
		tooMuch  *TooMuchToCatchUpError
		swap     *SwapStepError
		upstream *UpstreamError
		unknown  ErrUnknownEntityType
	)
	switch {
	case errors.As(err, &skip), errors.As(err, &unknown), errors.Is(err, ErrEntityNotFound):
		return OutcomeSkip
	case errors.As(err, &pre), errors.As(err, &tooMuch), errors.As(err, &swap):
		return OutcomeFatal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeFatal
	case errors.As(err, &upstream):
		return OutcomeRetryable
	default:
		return OutcomeRetryable
	}
}
