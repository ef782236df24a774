package purchasing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/acopio-erp/acopio-erp/internal/inventory"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

// orderIDPrefix is the document prefix for purchase order ids.
const orderIDPrefix = "PO"

// approvalModule tags approval trail entries written by this workflow.
const approvalModule = "PO"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id string) (PurchaseOrder, []OrderLine, error)
	ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error)
}

// LedgerPort is the bridge to inventory posting. The posting service owns the
// transaction that appends movements, updates balances and flips the order to
// CLOSED, so the workflow only delegates and reports the result.
type LedgerPort interface {
	PostOrderReceipt(ctx context.Context, audit shared.AuditContext, orderID string) (inventory.PostingResult, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service owns the purchase order state machine. Orders change only through
// the named transitions below; each transition validates its guard, applies
// the effect inside one repository transaction, and leaves the order untouched
// on any failure.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	approvals *shared.ApprovalRecorder
	audit     AuditPort
}

// NewService constructs the workflow service.
func NewService(repo RepositoryPort, ledger LedgerPort, approvals *shared.ApprovalRecorder, audit AuditPort) *Service {
	return &Service{repo: repo, ledger: ledger, approvals: approvals, audit: audit}
}

// CreateOrderInput describes the creation payload.
type CreateOrderInput struct {
	SupplierID   string
	Observations string
	Lines        []LineInput
}

// LineInput describes one requested product position.
type LineInput struct {
	ProductID  string
	OrderedQty int64
	ExpiryDate *time.Time
}

// LinePrice carries the supplier price confirmed for one line.
type LinePrice struct {
	ProductID string
	UnitPrice decimal.Decimal
}

// ConfirmInput carries the supplier confirmation payload.
type ConfirmInput struct {
	DeliveryDate time.Time
	Prices       []LinePrice
}

// LineReceipt carries the quantity actually received for one line.
type LineReceipt struct {
	ProductID   string
	ReceivedQty int64
}

// ReceiveInput carries the goods receipt payload.
type ReceiveInput struct {
	Quantities []LineReceipt
}

// CreateOrder persists a new DRAFT order with its lines and returns it with
// the allocated document id.
func (s *Service) CreateOrder(ctx context.Context, audit shared.AuditContext, input CreateOrderInput) (PurchaseOrder, error) {
	if input.SupplierID == "" {
		return PurchaseOrder{}, &ValidationError{Field: "supplier_id", Reason: "is required"}
	}
	if len(input.Lines) == 0 {
		return PurchaseOrder{}, &ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	seen := make(map[string]bool, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID == "" {
			return PurchaseOrder{}, &ValidationError{Field: "product_id", Reason: "is required"}
		}
		if line.OrderedQty <= 0 {
			return PurchaseOrder{}, &ValidationError{Field: "ordered_qty", ProductID: line.ProductID, Reason: "must be > 0"}
		}
		if seen[line.ProductID] {
			return PurchaseOrder{}, &ValidationError{Field: "product_id", ProductID: line.ProductID, Reason: "appears more than once"}
		}
		seen[line.ProductID] = true
	}

	order := PurchaseOrder{
		SupplierID:   input.SupplierID,
		Status:       StatusDraft,
		Observations: input.Observations,
	}
	order.Audit.StampCreated(audit)

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.NextID(ctx, orderIDPrefix)
		if err != nil {
			return err
		}
		order.ID = id
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range input.Lines {
			l := OrderLine{
				OrderID:    id,
				ProductID:  line.ProductID,
				OrderedQty: line.OrderedQty,
				ExpiryDate: line.ExpiryDate,
			}
			if err := tx.InsertLine(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return PurchaseOrder{}, err
	}
	s.recordAudit(ctx, audit, "PO_CREATE", order.ID, map[string]any{"supplier_id": order.SupplierID, "lines": len(input.Lines)})
	return order, nil
}

// AddLine appends a product position while line membership is still open.
func (s *Service) AddLine(ctx context.Context, audit shared.AuditContext, orderID string, input LineInput) error {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.linesMutable() {
		return &StateError{Op: "add_line", Status: order.Status, Allowed: []Status{StatusDraft, StatusReview, StatusApproved, StatusSent}}
	}
	if input.ProductID == "" {
		return &ValidationError{Field: "product_id", Reason: "is required"}
	}
	if input.OrderedQty <= 0 {
		return &ValidationError{Field: "ordered_qty", ProductID: input.ProductID, Reason: "must be > 0"}
	}
	for _, l := range lines {
		if l.ProductID == input.ProductID {
			return &ValidationError{Field: "product_id", ProductID: input.ProductID, Reason: "appears more than once"}
		}
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.Audit.StampModified(audit)
		if err := tx.UpdateOrder(ctx, order, order.Status); err != nil {
			return err
		}
		return tx.InsertLine(ctx, OrderLine{
			OrderID:    orderID,
			ProductID:  input.ProductID,
			OrderedQty: input.OrderedQty,
			ExpiryDate: input.ExpiryDate,
		})
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit, "PO_LINE_ADD", orderID, map[string]any{"product_id": input.ProductID, "qty": input.OrderedQty})
	return nil
}

// RemoveLine drops a product position while line membership is still open.
func (s *Service) RemoveLine(ctx context.Context, audit shared.AuditContext, orderID, productID string) error {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !order.Status.linesMutable() {
		return &StateError{Op: "remove_line", Status: order.Status, Allowed: []Status{StatusDraft, StatusReview, StatusApproved, StatusSent}}
	}
	found := false
	for _, l := range lines {
		if l.ProductID == productID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.Audit.StampModified(audit)
		if err := tx.UpdateOrder(ctx, order, order.Status); err != nil {
			return err
		}
		return tx.DeleteLine(ctx, orderID, productID)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit, "PO_LINE_REMOVE", orderID, map[string]any{"product_id": productID})
	return nil
}

// SubmitForReview moves a draft into review. Resubmitting an order already in
// review is accepted and changes nothing.
func (s *Service) SubmitForReview(ctx context.Context, audit shared.AuditContext, orderID string) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.ensureStatus("submit_for_review", StatusDraft, StatusReview); err != nil {
		return err
	}
	before := order.snapshot()
	order.Status = StatusReview
	if order.snapshot() == before {
		return nil
	}
	order.Audit.StampModified(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrder(ctx, order, before.status)
	})
	if err != nil {
		return err
	}
	if s.approvals != nil {
		_ = s.approvals.EnsureSubmit(ctx, approvalModule, shared.RefForDocument(approvalModule, orderID), audit.ActorID, "order "+orderID+" submitted for review")
	}
	s.recordAudit(ctx, audit, "PO_SUBMIT", orderID, nil)
	return nil
}

// Approve accepts a reviewed order. An order without lines cannot be approved.
func (s *Service) Approve(ctx context.Context, audit shared.AuditContext, orderID string) error {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.ensureStatus("approve", StatusReview, StatusApproved); err != nil {
		return err
	}
	if len(lines) == 0 {
		return &ValidationError{Field: "lines", Reason: "at least one line is required"}
	}
	before := order.snapshot()
	order.Status = StatusApproved
	if order.snapshot() == before {
		return nil
	}
	order.Audit.StampModified(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrder(ctx, order, before.status)
	})
	if err != nil {
		return err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   shared.RefForDocument(approvalModule, orderID),
			ActorID: audit.ActorID,
			Action:  shared.ApprovalApprove,
			Note:    "order " + orderID + " approved",
		})
	}
	s.recordAudit(ctx, audit, "PO_APPROVE", orderID, nil)
	return nil
}

// Send marks the order as sent to the supplier.
func (s *Service) Send(ctx context.Context, audit shared.AuditContext, orderID string) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.ensureStatus("send", StatusApproved, StatusSent); err != nil {
		return err
	}
	before := order.snapshot()
	order.Status = StatusSent
	if order.snapshot() == before {
		return nil
	}
	order.Audit.StampModified(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrder(ctx, order, before.status)
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit, "PO_SEND", orderID, nil)
	return nil
}

// Confirm records the supplier's confirmation: the delivery date and a price
// for every line. Subtotals are recomputed as price times ordered quantity.
// Confirming again replaces prices and date.
func (s *Service) Confirm(ctx context.Context, audit shared.AuditContext, orderID string, input ConfirmInput) error {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.ensureStatus("confirm", StatusApproved, StatusSent, StatusConfirmed); err != nil {
		return err
	}
	if input.DeliveryDate.IsZero() {
		return &ValidationError{Field: "delivery_date", Reason: "is required"}
	}

	prices := make(map[string]decimal.Decimal, len(input.Prices))
	for _, p := range input.Prices {
		prices[p.ProductID] = p.UnitPrice
	}
	byProduct := make(map[string]bool, len(lines))
	for _, l := range lines {
		byProduct[l.ProductID] = true
	}
	for productID := range prices {
		if !byProduct[productID] {
			return &ValidationError{Field: "product_id", ProductID: productID, Reason: "is not an order line"}
		}
	}

	updated := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		price, ok := prices[l.ProductID]
		if !ok {
			if !l.Priced() {
				return &ValidationError{Field: "unit_price", ProductID: l.ProductID, Reason: "is required"}
			}
			price = *l.UnitPrice
		}
		if price.IsNegative() {
			return &ValidationError{Field: "unit_price", ProductID: l.ProductID, Reason: "must be >= 0"}
		}
		p := price
		l.UnitPrice = &p
		l.Subtotal = price.Mul(decimal.NewFromInt(l.OrderedQty))
		updated = append(updated, l)
	}

	from := order.Status
	delivery := input.DeliveryDate
	order.Status = StatusConfirmed
	order.DeliveryDate = &delivery
	order.Audit.StampModified(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateOrder(ctx, order, from); err != nil {
			return err
		}
		for _, l := range updated {
			if err := tx.UpdateLine(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit, "PO_CONFIRM", orderID, map[string]any{"delivery_date": delivery.Format(time.DateOnly)})
	return nil
}

// Receive records the quantities that actually arrived. Every line needs a
// quantity between zero and its ordered quantity; subtotals are recomputed
// against the received amount.
func (s *Service) Receive(ctx context.Context, audit shared.AuditContext, orderID string, input ReceiveInput) error {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := order.ensureStatus("receive", StatusConfirmed); err != nil {
		return err
	}

	quantities := make(map[string]int64, len(input.Quantities))
	for _, q := range input.Quantities {
		quantities[q.ProductID] = q.ReceivedQty
	}
	byProduct := make(map[string]bool, len(lines))
	for _, l := range lines {
		byProduct[l.ProductID] = true
	}
	for productID := range quantities {
		if !byProduct[productID] {
			return &ValidationError{Field: "product_id", ProductID: productID, Reason: "is not an order line"}
		}
	}

	updated := make([]OrderLine, 0, len(lines))
	for _, l := range lines {
		if !l.Priced() {
			return &ValidationError{Field: "unit_price", ProductID: l.ProductID, Reason: "is required"}
		}
		qty, ok := quantities[l.ProductID]
		if !ok {
			return &ValidationError{Field: "received_qty", ProductID: l.ProductID, Reason: "is required"}
		}
		if qty < 0 {
			return &ValidationError{Field: "received_qty", ProductID: l.ProductID, Reason: "must be >= 0"}
		}
		if qty > l.OrderedQty {
			return &ValidationError{Field: "received_qty", ProductID: l.ProductID, Reason: "exceeds ordered_qty"}
		}
		q := qty
		l.ReceivedQty = &q
		l.Subtotal = l.UnitPrice.Mul(decimal.NewFromInt(qty))
		updated = append(updated, l)
	}

	from := order.Status
	order.Status = StatusReceived
	order.Audit.StampModified(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.UpdateOrder(ctx, order, from); err != nil {
			return err
		}
		for _, l := range updated {
			if err := tx.UpdateLine(ctx, l); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.recordAudit(ctx, audit, "PO_RECEIVE", orderID, nil)
	return nil
}

// CloseAndPost posts the received quantities into the stock ledger and closes
// the order. Posting happens at most once; calling again reports that the
// work is already done without writing anything.
func (s *Service) CloseAndPost(ctx context.Context, audit shared.AuditContext, orderID string) (inventory.PostingResult, error) {
	order, lines, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return inventory.ResultRejected, err
	}
	if order.InventoryPosted {
		return inventory.ResultAlreadyPosted, nil
	}
	if err := order.ensureStatus("close_and_post_inventory", StatusReceived); err != nil {
		return inventory.ResultRejected, err
	}
	for _, l := range lines {
		if !l.Priced() {
			return inventory.ResultRejected, &ValidationError{Field: "unit_price", ProductID: l.ProductID, Reason: "is required"}
		}
		if l.ReceivedQty == nil {
			return inventory.ResultRejected, &ValidationError{Field: "received_qty", ProductID: l.ProductID, Reason: "is required"}
		}
	}

	result, err := s.ledger.PostOrderReceipt(ctx, audit, orderID)
	if err != nil {
		return inventory.ResultRejected, err
	}
	if result == inventory.ResultPosted {
		s.recordAudit(ctx, audit, "PO_POST", orderID, map[string]any{"lines": len(lines)})
	}
	return result, nil
}

// Cancel irreversibly abandons an order. Closed orders and orders whose
// inventory has already been posted can no longer be cancelled; cancellation
// never compensates ledger effects.
func (s *Service) Cancel(ctx context.Context, audit shared.AuditContext, orderID string) error {
	order, _, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == StatusClosed || order.InventoryPosted {
		return &StateError{Op: "cancel", Status: order.Status, Allowed: []Status{
			StatusDraft, StatusReview, StatusApproved, StatusSent, StatusConfirmed, StatusReceived,
		}}
	}
	if order.Status == StatusCancelled {
		return nil
	}
	from := order.Status
	order.Status = StatusCancelled
	order.Audit.StampCancelled(audit)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		return tx.UpdateOrder(ctx, order, from)
	})
	if err != nil {
		return err
	}
	if s.approvals != nil {
		_ = s.approvals.Record(ctx, shared.ApprovalLog{
			Module:  approvalModule,
			RefID:   shared.RefForDocument(approvalModule, orderID),
			ActorID: audit.ActorID,
			Action:  shared.ApprovalCancel,
			Note:    "order " + orderID + " cancelled",
		})
	}
	s.recordAudit(ctx, audit, "PO_CANCEL", orderID, map[string]any{"from": string(from)})
	return nil
}

// GetOrder loads one order with its lines.
func (s *Service) GetOrder(ctx context.Context, orderID string) (PurchaseOrder, []OrderLine, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// ListOrders returns a filtered page of orders plus the total count.
func (s *Service) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	return s.repo.ListOrders(ctx, limit, offset, filters)
}

func (s *Service) recordAudit(ctx context.Context, audit shared.AuditContext, action, orderID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  audit.ActorID,
		Action:   action,
		Entity:   "purchase_order",
		EntityID: orderID,
		Meta:     meta,
		At:       audit.At(),
	})
}
