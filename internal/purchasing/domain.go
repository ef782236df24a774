package purchasing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acopio-erp/acopio-erp/internal/shared"
)

// Status is the purchase order lifecycle state. One enum drives the whole
// workflow; there are no side-channel booleans besides the posting flag, which
// only ever flips false→true once.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusReview    Status = "REVIEW"
	StatusApproved  Status = "APPROVED"
	StatusSent      Status = "SENT"
	StatusConfirmed Status = "CONFIRMED"
	StatusReceived  Status = "RECEIVED"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusCancelled
}

// linesMutable reports whether line membership may still change. From
// CONFIRMED onward membership is frozen and only price/received_qty move.
func (s Status) linesMutable() bool {
	switch s {
	case StatusDraft, StatusReview, StatusApproved, StatusSent:
		return true
	}
	return false
}

// PurchaseOrder is the workflow aggregate root. It is mutated only through
// named transitions on Service; fields are exported for persistence and
// presentation, not for direct assignment.
type PurchaseOrder struct {
	ID              string
	SupplierID      string
	Status          Status
	DeliveryDate    *time.Time
	Observations    string
	InventoryPosted bool
	PostedAt        *time.Time
	Audit           shared.AuditFields
}

// OrderLine is one product position of an order. A line lives exactly as long
// as its order.
type OrderLine struct {
	OrderID     string
	ProductID   string
	OrderedQty  int64
	UnitPrice   *decimal.Decimal
	ExpiryDate  *time.Time
	ReceivedQty *int64
	Subtotal    decimal.Decimal
}

// Priced reports whether the line has a unit price.
func (l OrderLine) Priced() bool {
	return l.UnitPrice != nil
}

var (
	// ErrNotFound indicates an unknown order id.
	ErrNotFound = errors.New("purchasing: order not found")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("purchasing: invalid input")
	// ErrInvalidState occurs when an operation violates the status workflow.
	ErrInvalidState = errors.New("purchasing: invalid state transition")
)

// StateError reports an operation invoked from a status its transition table
// does not list. It satisfies errors.Is(err, ErrInvalidState).
type StateError struct {
	Op      string
	Status  Status
	Allowed []Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("purchasing: %s not allowed from %s (allowed from %v)", e.Op, e.Status, e.Allowed)
}

// Is matches the ErrInvalidState sentinel.
func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// ValidationError names the precondition an input failed, including the line
// it failed on when applicable.
type ValidationError struct {
	Field     string
	ProductID string
	Reason    string
}

func (e *ValidationError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("purchasing: line %s: %s %s", e.ProductID, e.Field, e.Reason)
	}
	return fmt.Sprintf("purchasing: %s %s", e.Field, e.Reason)
}

// Is matches the ErrValidation sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ensureStatus returns a StateError unless the order's status is listed.
func (o *PurchaseOrder) ensureStatus(op string, allowed ...Status) error {
	for _, s := range allowed {
		if o.Status == s {
			return nil
		}
	}
	return &StateError{Op: op, Status: o.Status, Allowed: allowed}
}

// orderSnapshot is a comparable copy of the order's mutable header fields.
// Transitions diff the snapshot once before issuing a write, so an idempotent
// self-loop that changes nothing also persists nothing.
type orderSnapshot struct {
	status          Status
	deliveryDate    time.Time
	hasDeliveryDate bool
	observations    string
	inventoryPosted bool
}

func (o *PurchaseOrder) snapshot() orderSnapshot {
	snap := orderSnapshot{
		status:          o.Status,
		observations:    o.Observations,
		inventoryPosted: o.InventoryPosted,
	}
	if o.DeliveryDate != nil {
		snap.deliveryDate = *o.DeliveryDate
		snap.hasDeliveryDate = true
	}
	return snap
}
