package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/acopio-erp/acopio-erp/internal/shared"
)

const movementIDPrefix = "MV"

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetBalance(ctx context.Context, productID string) (Balance, error)
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	Kardex(ctx context.Context, filter KardexFilter) ([]Movement, error)
	SetReorderLevel(ctx context.Context, productID string, reorderMin int64, at time.Time) error
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort abstracts the posting key store. shared.IdempotencyStore is
// the production implementation.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service owns the stock ledger: the movement journal, the balances derived
// from it, and the posting transaction that closes purchase orders.
type Service struct {
	repo        RepositoryPort
	cache       *BalanceCache
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
}

// NewService builds Service. Cache, audit and idempotency may be nil; the
// service then works straight against the repository.
func NewService(repo RepositoryPort, cache *BalanceCache, audit AuditPort, idem IdempotencyPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: cache, audit: audit, idempotency: idem, logger: logger}
}

// PostOrderReceipt appends one inbound movement per received line of the
// order, increments the on-hand balances, and closes the order, all inside a
// single transaction. The order row is locked first, so a repeated call finds
// the posted flag set and reports ResultAlreadyPosted without writing.
//
// A replay that arrives while the first posting is still in flight gets
// ErrPostingInFlight instead of blocking behind the row lock; only replays
// against a committed posting collapse into ResultAlreadyPosted.
func (s *Service) PostOrderReceipt(ctx context.Context, audit shared.AuditContext, orderID string) (PostingResult, error) {
	if orderID == "" {
		return ResultRejected, shared.ErrNotFound
	}
	key := "po-post:" + orderID
	insertedKey := false
	if s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
			if !errors.Is(err, shared.ErrIdempotencyConflict) {
				return ResultRejected, err
			}
			// Key exists: either a finished posting or one in flight.
			// The flag on the order row tells them apart.
			var posted bool
			checkErr := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
				o, err := tx.GetOrderForPosting(ctx, orderID)
				if err != nil {
					return err
				}
				posted = o.InventoryPosted
				return nil
			})
			if checkErr != nil {
				return ResultRejected, checkErr
			}
			if posted {
				return ResultAlreadyPosted, nil
			}
			return ResultRejected, ErrPostingInFlight
		}
		insertedKey = true
	}

	result := ResultPosted
	var postedQty int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.GetOrderForPosting(ctx, orderID)
		if err != nil {
			return err
		}
		if order.InventoryPosted {
			result = ResultAlreadyPosted
			return nil
		}
		if order.Status != "RECEIVED" {
			return ErrNotReceived
		}
		lines, err := tx.OrderLinesForPosting(ctx, orderID)
		if err != nil {
			return err
		}
		now := audit.At()
		for _, line := range lines {
			if line.UnitPrice == nil || line.ReceivedQty == nil {
				return ErrNotReceived
			}
			qty := *line.ReceivedQty
			if qty == 0 {
				continue
			}
			id, err := tx.NextID(ctx, movementIDPrefix)
			if err != nil {
				return err
			}
			movement := Movement{
				ID:        id,
				ProductID: line.ProductID,
				Direction: DirectionIn,
				Qty:       qty,
				UnitPrice: *line.UnitPrice,
				Reference: orderID,
				Note:      fmt.Sprintf("goods receipt for order %s", orderID),
				PostedAt:  now,
				CreatedBy: audit.ActorID,
			}
			if err := tx.AppendMovement(ctx, movement); err != nil {
				return err
			}
			balance, err := tx.GetBalanceForUpdate(ctx, line.ProductID)
			if err != nil && !errors.Is(err, ErrBalanceNotFound) {
				return err
			}
			balance.OnHand += qty
			balance.UpdatedAt = now
			if err := tx.UpsertBalance(ctx, balance); err != nil {
				return err
			}
			postedQty += qty
		}
		return tx.MarkOrderPosted(ctx, orderID, audit.ActorID, now)
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, key)
		}
		return ResultRejected, err
	}
	if result == ResultAlreadyPosted {
		return result, nil
	}

	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump balance cache", slog.Any("error", err))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  audit.ActorID,
			Action:   "INVENTORY_POST",
			Entity:   "purchase_order",
			EntityID: orderID,
			Meta:     map[string]any{"qty": postedQty},
			At:       audit.At(),
		})
	}
	return result, nil
}

// Balance returns the current balance for one product, served from cache
// when possible.
func (s *Service) Balance(ctx context.Context, productID string) (Balance, error) {
	if productID == "" {
		return Balance{}, errors.New("inventory: product required")
	}
	return s.cache.Balance(ctx, productID, func(ctx context.Context) (Balance, error) {
		return s.repo.GetBalance(ctx, productID)
	})
}

// ListBalances pages stock balances straight from the repository.
func (s *Service) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	return s.repo.ListBalances(ctx, filter)
}

// Kardex lists the movement journal for one product.
func (s *Service) Kardex(ctx context.Context, filter KardexFilter) ([]Movement, error) {
	if filter.ProductID == "" {
		return nil, errors.New("inventory: product required")
	}
	return s.repo.Kardex(ctx, filter)
}

// SetReorderLevel stores the reorder threshold for a product.
func (s *Service) SetReorderLevel(ctx context.Context, audit shared.AuditContext, productID string, reorderMin int64) error {
	if productID == "" {
		return errors.New("inventory: product required")
	}
	if reorderMin < 0 {
		return errors.New("inventory: reorder level must be >= 0")
	}
	if err := s.repo.SetReorderLevel(ctx, productID, reorderMin, audit.At()); err != nil {
		return err
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump balance cache", slog.Any("error", err))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  audit.ActorID,
			Action:   "REORDER_LEVEL_SET",
			Entity:   "stock_balance",
			EntityID: productID,
			Meta:     map[string]any{"reorder_min": reorderMin},
			At:       audit.At(),
		})
	}
	return nil
}
