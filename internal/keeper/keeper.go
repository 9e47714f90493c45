package keeper

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-settlr/internal/config"
	"github.com/0gfoundation/0g-settlr/internal/ledger"
	"github.com/0gfoundation/0g-settlr/internal/payout"
)

// Charger is the subset of the payout engine the keeper drives.
type Charger interface {
	DueSubscriptions(ctx context.Context) ([]*payout.Subscription, error)
	ChargeSubscription(ctx context.Context, caller common.Address, subscriptionID string) (*payout.Subscription, error)
}

// Run periodically charges every subscription that has come due.
func Run(ctx context.Context, cfg *config.Config, charger Charger, log *zap.Logger) {
	interval := time.Duration(cfg.Keeper.IntervalSec) * time.Second
	wallet := config.Addr(cfg.Keeper.Address)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("subscription keeper started",
		zap.Duration("interval", interval),
		zap.String("wallet", wallet.Hex()),
	)

	for {
		select {
		case <-ctx.Done():
			log.Info("subscription keeper stopped")
			return
		case <-ticker.C:
			runSweep(ctx, charger, wallet, log)
		}
	}
}

// runSweep charges each due subscription at most once and returns the
// number of successful charges. An overdue subscription catches up one
// cycle per sweep.
func runSweep(ctx context.Context, charger Charger, wallet common.Address, log *zap.Logger) int {
	due, err := charger.DueSubscriptions(ctx)
	if err != nil {
		log.Error("keeper: list due subscriptions", zap.Error(err))
		return 0
	}

	charged := 0
	for _, s := range due {
		if ctx.Err() != nil {
			return charged
		}
		_, err := charger.ChargeSubscription(ctx, wallet, s.SubscriptionID)
		switch {
		case err == nil:
			charged++
		case errors.Is(err, ledger.ErrPaymentNotDue), errors.Is(err, ledger.ErrStale):
			// Raced with another charge or a state change; next sweep retries.
			log.Debug("keeper: skip subscription",
				zap.String("subscription", s.SubscriptionID),
				zap.String("reason", ledger.Kind(err)),
			)
		default:
			log.Error("keeper: charge subscription",
				zap.String("subscription", s.SubscriptionID),
				zap.Error(err),
			)
		}
	}
	if len(due) > 0 {
		log.Info("keeper sweep done", zap.Int("due", len(due)), zap.Int("charged", charged))
	}
	return charged
}
