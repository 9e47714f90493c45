package settler

import (
	"context"

	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

// Outcome is what happened to one queued commit.
type Outcome int

const (
	OutcomeSettled   Outcome = iota
	OutcomeRetry             // transient failure; item goes back on the queue
	OutcomeRejected          // moved to the DLQ
	OutcomeDuplicate         // receipt already settled; discarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSettled:
		return "settled"
	case OutcomeRetry:
		return "retry"
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Applier writes a verified commit back to its receipt.
type Applier interface {
	ApplyCommit(ctx context.Context, c *venue.Commit) (*session.Receipt, error)
}
