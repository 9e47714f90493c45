package settler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/venue"
)

// retryDelay is how long the loop backs off after a transient failure.
var retryDelay = 5 * time.Second

// Enqueue appends a signed commit to the settlement queue.
func Enqueue(ctx context.Context, rdb *redis.Client, c *venue.Commit) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return rdb.RPush(ctx, venue.CommitQueueKey, string(raw)).Err()
}

// Run is the main settler loop: BLPOP → verify → apply.
func Run(ctx context.Context, cfg *config.Config, rdb *redis.Client, domain venue.Domain, applier Applier, log *zap.Logger) {
	blpopTimeout := time.Duration(cfg.Settler.PollTimeoutSec) * time.Second

	log.Info("settler started", zap.String("queue", venue.CommitQueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("settler stopped")
			return
		}

		results, err := rdb.BLPop(ctx, blpopTimeout, venue.CommitQueueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				log.Info("settler stopped")
				return
			}
			log.Error("settler: BLPOP error", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		raw := results[1]
		if HandleCommit(ctx, rdb, domain, applier, raw, log) == OutcomeRetry {
			// Back to the head so ordering per receipt is kept.
			_ = rdb.LPush(ctx, venue.CommitQueueKey, raw)
			sleep(ctx, retryDelay)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
