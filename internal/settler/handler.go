package settler

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/session"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

// HandleCommit verifies and applies one raw queue item. Items that can never
// succeed are pushed to the DLQ; the caller re-queues OutcomeRetry items.
func HandleCommit(
	ctx context.Context,
	rdb *redis.Client,
	domain venue.Domain,
	applier Applier,
	raw string,
	log *zap.Logger,
) Outcome {
	var c venue.Commit
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		deadLetter(ctx, rdb, raw, "malformed", log, zap.Error(err))
		return OutcomeRejected
	}

	if err := domain.Verify(&c); err != nil {
		deadLetter(ctx, rdb, raw, "bad_signature", log,
			zap.String("payment", c.PaymentID),
			zap.String("owner", c.Owner.Hex()),
			zap.Error(err),
		)
		return OutcomeRejected
	}

	r, err := applier.ApplyCommit(ctx, &c)
	switch {
	case err == nil:
		log.Info("commit settled",
			zap.String("payment", r.PaymentID),
			zap.String("owner", c.Owner.Hex()),
			zap.Int64("committed_at", c.CommittedAt),
		)
		return OutcomeSettled

	case errors.Is(err, session.ErrAlreadySettled):
		log.Warn("commit discarded: receipt already settled", zap.String("payment", c.PaymentID))
		return OutcomeDuplicate

	case errors.Is(err, ledger.ErrStale), errors.Is(err, ledger.ErrExternal):
		log.Warn("commit apply failed, will retry", zap.String("payment", c.PaymentID), zap.Error(err))
		return OutcomeRetry

	default:
		deadLetter(ctx, rdb, raw, ledger.Kind(err), log,
			zap.String("payment", c.PaymentID),
			zap.Error(err),
		)
		return OutcomeRejected
	}
}

func deadLetter(ctx context.Context, rdb *redis.Client, raw, reason string, log *zap.Logger, fields ...zap.Field) {
	if err := rdb.RPush(ctx, venue.CommitDLQKey, raw).Err(); err != nil {
		log.Error("settler: DLQ push failed", zap.Error(err))
	}
	log.Error("commit rejected", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
}
