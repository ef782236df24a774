package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Direction enumerates supported movement directions.
type Direction string

const (
	// DirectionIn represents an inbound movement.
	DirectionIn Direction = "IN"
	// DirectionOut represents an outbound movement.
	DirectionOut Direction = "OUT"
)

// Movement is one immutable row of the stock journal. Movements are only ever
// appended; corrections happen through new movements, never updates.
type Movement struct {
	ID        string
	ProductID string
	Direction Direction
	Qty       int64
	UnitPrice decimal.Decimal
	Reference string
	Note      string
	PostedAt  time.Time
	CreatedBy int64
}

// Balance summarises current stock per product. UnitCost is the replacement
// cost maintained by purchasing catalog updates; receipt posting changes
// OnHand only and leaves UnitCost alone.
type Balance struct {
	ProductID  string
	OnHand     int64
	UnitCost   decimal.Decimal
	ReorderMin int64
	UpdatedAt  time.Time
}

// BelowReorder reports whether the balance is at or under its reorder level.
func (b Balance) BelowReorder() bool {
	return b.ReorderMin > 0 && b.OnHand <= b.ReorderMin
}

// PostingResult reports the outcome of a close-and-post call.
type PostingResult string

const (
	// ResultRejected means nothing was written.
	ResultRejected PostingResult = "REJECTED"
	// ResultPosted means movements and balances were written and the order closed.
	ResultPosted PostingResult = "POSTED"
	// ResultAlreadyPosted means a previous call already did the work.
	ResultAlreadyPosted PostingResult = "ALREADY_POSTED"
)

// KardexFilter filters journal entries for one product.
type KardexFilter struct {
	ProductID string
	From      time.Time
	To        time.Time
	Limit     int
}

// BalanceFilter filters the balance listing.
type BalanceFilter struct {
	BelowReorderOnly bool
	Limit            int
	Offset           int
}

// ErrBalanceNotFound indicates a missing balance row.
var ErrBalanceNotFound = errors.New("inventory: balance not found")

// ErrNotReceived triggered when posting is attempted before goods receipt.
var ErrNotReceived = errors.New("inventory: order has not been received")

// ErrPostingInFlight triggered when a concurrent posting holds the
// idempotency key for the same order.
var ErrPostingInFlight = errors.New("inventory: posting already in flight")
