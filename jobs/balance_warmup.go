package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/acopio-erp/acopio-erp/internal/inventory"
)

const (
	// TaskBalanceWarmup primes the balance cache after invalidation.
	TaskBalanceWarmup = "inventory:warm-balances"
)

// BalanceWarmupPayload limits how many balances one run touches.
type BalanceWarmupPayload struct {
	Limit int `json:"limit"`
}

// NewBalanceWarmupTask constructs the warmup task.
func NewBalanceWarmupTask(limit int) (*asynq.Task, error) {
	body, err := json.Marshal(BalanceWarmupPayload{Limit: limit})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceWarmup, body, asynq.Queue(QueueDefault)), nil
}

// NewBalanceWarmupHandler returns the handler bound to the inventory service.
// Balances are loaded through Service.Balance so each read lands in the cache.
func NewBalanceWarmupHandler(service *inventory.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload BalanceWarmupPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		limit := payload.Limit
		if limit <= 0 {
			limit = 200
		}
		balances, err := service.ListBalances(ctx, inventory.BalanceFilter{Limit: limit})
		if err != nil {
			return err
		}
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for _, b := range balances {
			productID := b.ProductID
			g.Go(func() error {
				_, err := service.Balance(ctx, productID)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		logger.Info("balance cache warmed", slog.Int("count", len(balances)))
		return nil
	}
}
