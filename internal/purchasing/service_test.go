package purchasing

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/acopio-erp/acopio-erp/internal/inventory"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

type memoryRepo struct {
	orders map[string]PurchaseOrder
	lines  map[string][]OrderLine
	seq    int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		orders: make(map[string]PurchaseOrder),
		lines:  make(map[string][]OrderLine),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetOrder(ctx context.Context, id string) (PurchaseOrder, []OrderLine, error) {
	o, ok := r.orders[id]
	if !ok {
		return PurchaseOrder{}, nil, ErrNotFound
	}
	lines := append([]OrderLine(nil), r.lines[id]...)
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
	return o, lines, nil
}

func (r *memoryRepo) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	var items []OrderListItem
	for _, o := range r.orders {
		if filters.Status != "" && o.Status != filters.Status {
			continue
		}
		if filters.SupplierID != "" && o.SupplierID != filters.SupplierID {
			continue
		}
		items = append(items, OrderListItem{ID: o.ID, SupplierID: o.SupplierID, Status: o.Status})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, len(items), nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) NextID(ctx context.Context, prefix string) (string, error) {
	tx.repo.seq++
	return fmt.Sprintf("%s%08d", prefix, tx.repo.seq), nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, o PurchaseOrder) error {
	tx.repo.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, l OrderLine) error {
	tx.repo.lines[l.OrderID] = append(tx.repo.lines[l.OrderID], l)
	return nil
}

func (tx *memoryTx) UpdateOrder(ctx context.Context, o PurchaseOrder, from Status) error {
	existing, ok := tx.repo.orders[o.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status != from {
		return shared.ErrConflict
	}
	tx.repo.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) UpdateLine(ctx context.Context, l OrderLine) error {
	lines := tx.repo.lines[l.OrderID]
	for i := range lines {
		if lines[i].ProductID == l.ProductID {
			lines[i] = l
			return nil
		}
	}
	return ErrNotFound
}

func (tx *memoryTx) DeleteLine(ctx context.Context, orderID, productID string) error {
	lines := tx.repo.lines[orderID]
	for i := range lines {
		if lines[i].ProductID == productID {
			tx.repo.lines[orderID] = append(lines[:i], lines[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

type stubLedger struct {
	result inventory.PostingResult
	err    error
	calls  int
	repo   *memoryRepo
}

func (l *stubLedger) PostOrderReceipt(ctx context.Context, audit shared.AuditContext, orderID string) (inventory.PostingResult, error) {
	l.calls++
	if l.err != nil {
		return inventory.ResultRejected, l.err
	}
	if l.repo != nil && l.result == inventory.ResultPosted {
		o := l.repo.orders[orderID]
		o.Status = StatusClosed
		o.InventoryPosted = true
		now := audit.At()
		o.PostedAt = &now
		l.repo.orders[orderID] = o
	}
	return l.result, nil
}

type stubAudit struct {
	logs []shared.AuditLog
}

func (a *stubAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func testAudit() shared.AuditContext {
	return shared.AuditContext{ActorID: 7, Now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func newTestService(t *testing.T) (*Service, *memoryRepo, *stubLedger, *stubAudit) {
	t.Helper()
	repo := newMemoryRepo()
	ledger := &stubLedger{result: inventory.ResultPosted, repo: repo}
	audit := &stubAudit{}
	return NewService(repo, ledger, nil, audit), repo, ledger, audit
}

func createOrder(t *testing.T, svc *Service, lines ...LineInput) PurchaseOrder {
	t.Helper()
	if len(lines) == 0 {
		lines = []LineInput{{ProductID: "PRD-1", OrderedQty: 10}, {ProductID: "PRD-2", OrderedQty: 4}}
	}
	order, err := svc.CreateOrder(context.Background(), testAudit(), CreateOrderInput{
		SupplierID: "SUP-1",
		Lines:      lines,
	})
	require.NoError(t, err)
	return order
}

// advance walks an order to the wanted status through the regular transitions.
func advance(t *testing.T, svc *Service, orderID string, target Status) {
	t.Helper()
	ctx := context.Background()
	audit := testAudit()
	steps := []struct {
		status Status
		run    func() error
	}{
		{StatusReview, func() error { return svc.SubmitForReview(ctx, audit, orderID) }},
		{StatusApproved, func() error { return svc.Approve(ctx, audit, orderID) }},
		{StatusSent, func() error { return svc.Send(ctx, audit, orderID) }},
		{StatusConfirmed, func() error {
			return svc.Confirm(ctx, audit, orderID, ConfirmInput{
				DeliveryDate: time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC),
				Prices: []LinePrice{
					{ProductID: "PRD-1", UnitPrice: decimal.NewFromFloat(2.50)},
					{ProductID: "PRD-2", UnitPrice: decimal.NewFromFloat(10)},
				},
			})
		}},
		{StatusReceived, func() error {
			return svc.Receive(ctx, audit, orderID, ReceiveInput{
				Quantities: []LineReceipt{
					{ProductID: "PRD-1", ReceivedQty: 8},
					{ProductID: "PRD-2", ReceivedQty: 4},
				},
			})
		}},
	}
	for _, step := range steps {
		require.NoError(t, step.run())
		if step.status == target {
			return
		}
	}
	t.Fatalf("cannot advance to %s", target)
}

func TestCreateOrder(t *testing.T) {
	svc, repo, _, audit := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc)
	require.Equal(t, "PO00000001", order.ID)
	require.Equal(t, StatusDraft, order.Status)
	require.Equal(t, int64(7), order.Audit.CreatedBy)

	stored, lines, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.Len(t, lines, 2)
	require.Nil(t, lines[0].UnitPrice)
	require.Nil(t, lines[0].ReceivedQty)
	require.NotEmpty(t, audit.logs)
	require.Equal(t, "PO_CREATE", audit.logs[0].Action)

	second := createOrder(t, svc)
	require.Equal(t, "PO00000002", second.ID)
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, testAudit(), CreateOrderInput{SupplierID: "SUP-1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, testAudit(), CreateOrderInput{
		SupplierID: "SUP-1",
		Lines:      []LineInput{{ProductID: "PRD-1", OrderedQty: 0}},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, testAudit(), CreateOrderInput{
		SupplierID: "SUP-1",
		Lines: []LineInput{
			{ProductID: "PRD-1", OrderedQty: 5},
			{ProductID: "PRD-1", OrderedQty: 3},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = svc.CreateOrder(ctx, testAudit(), CreateOrderInput{
		Lines: []LineInput{{ProductID: "PRD-1", OrderedQty: 5}},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubmitForReview(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	require.NoError(t, svc.SubmitForReview(ctx, testAudit(), order.ID))
	stored, _, _ := repo.GetOrder(ctx, order.ID)
	require.Equal(t, StatusReview, stored.Status)

	// Resubmitting is a no-op, not an error.
	require.NoError(t, svc.SubmitForReview(ctx, testAudit(), order.ID))
	again, _, _ := repo.GetOrder(ctx, order.ID)
	require.Equal(t, stored.Audit.ModifiedAt, again.Audit.ModifiedAt)

	require.ErrorIs(t, svc.SubmitForReview(ctx, testAudit(), "PO99999999"), ErrNotFound)
}

func TestApprove(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	// Straight from draft is not allowed.
	require.ErrorIs(t, svc.Approve(ctx, testAudit(), order.ID), ErrInvalidState)

	require.NoError(t, svc.SubmitForReview(ctx, testAudit(), order.ID))
	require.NoError(t, svc.Approve(ctx, testAudit(), order.ID))
	stored, _, _ := repo.GetOrder(ctx, order.ID)
	require.Equal(t, StatusApproved, stored.Status)

	// Approving again is an allowed self-loop.
	require.NoError(t, svc.Approve(ctx, testAudit(), order.ID))
}

func TestApproveRequiresLines(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, LineInput{ProductID: "PRD-1", OrderedQty: 1})
	require.NoError(t, svc.SubmitForReview(ctx, testAudit(), order.ID))
	require.NoError(t, svc.RemoveLine(ctx, testAudit(), order.ID, "PRD-1"))
	require.ErrorIs(t, svc.Approve(ctx, testAudit(), order.ID), ErrValidation)
}

func TestConfirm(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)
	advance(t, svc, order.ID, StatusSent)

	delivery := time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC)

	// Missing prices for some lines.
	err := svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		DeliveryDate: delivery,
		Prices:       []LinePrice{{ProductID: "PRD-1", UnitPrice: decimal.NewFromInt(2)}},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Negative price.
	err = svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		DeliveryDate: delivery,
		Prices: []LinePrice{
			{ProductID: "PRD-1", UnitPrice: decimal.NewFromInt(-1)},
			{ProductID: "PRD-2", UnitPrice: decimal.NewFromInt(3)},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Price for a product that is not a line.
	err = svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		DeliveryDate: delivery,
		Prices: []LinePrice{
			{ProductID: "PRD-1", UnitPrice: decimal.NewFromInt(2)},
			{ProductID: "PRD-2", UnitPrice: decimal.NewFromInt(3)},
			{ProductID: "PRD-9", UnitPrice: decimal.NewFromInt(1)},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Missing delivery date.
	err = svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		Prices: []LinePrice{
			{ProductID: "PRD-1", UnitPrice: decimal.NewFromInt(2)},
			{ProductID: "PRD-2", UnitPrice: decimal.NewFromInt(3)},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		DeliveryDate: delivery,
		Prices: []LinePrice{
			{ProductID: "PRD-1", UnitPrice: decimal.NewFromFloat(2.50)},
			{ProductID: "PRD-2", UnitPrice: decimal.NewFromInt(10)},
		},
	}))
	stored, lines, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, stored.Status)
	require.NotNil(t, stored.DeliveryDate)
	require.True(t, lines[0].Subtotal.Equal(decimal.NewFromInt(25)))  // 2.50 * 10
	require.True(t, lines[1].Subtotal.Equal(decimal.NewFromInt(40))) // 10 * 4

	// Reconfirming replaces prices.
	require.NoError(t, svc.Confirm(ctx, testAudit(), order.ID, ConfirmInput{
		DeliveryDate: delivery.AddDate(0, 0, 2),
		Prices:       []LinePrice{{ProductID: "PRD-1", UnitPrice: decimal.NewFromInt(3)}},
	}))
	_, lines, _ = repo.GetOrder(ctx, order.ID)
	require.True(t, lines[0].Subtotal.Equal(decimal.NewFromInt(30)))
}

func TestReceive(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	// Receiving before confirmation is rejected.
	err := svc.Receive(ctx, testAudit(), order.ID, ReceiveInput{
		Quantities: []LineReceipt{{ProductID: "PRD-1", ReceivedQty: 1}},
	})
	require.ErrorIs(t, err, ErrInvalidState)

	advance(t, svc, order.ID, StatusConfirmed)

	// Over-receipt is rejected.
	err = svc.Receive(ctx, testAudit(), order.ID, ReceiveInput{
		Quantities: []LineReceipt{
			{ProductID: "PRD-1", ReceivedQty: 11},
			{ProductID: "PRD-2", ReceivedQty: 4},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Every line needs a quantity.
	err = svc.Receive(ctx, testAudit(), order.ID, ReceiveInput{
		Quantities: []LineReceipt{{ProductID: "PRD-1", ReceivedQty: 5}},
	})
	require.ErrorIs(t, err, ErrValidation)

	require.NoError(t, svc.Receive(ctx, testAudit(), order.ID, ReceiveInput{
		Quantities: []LineReceipt{
			{ProductID: "PRD-1", ReceivedQty: 8},
			{ProductID: "PRD-2", ReceivedQty: 0},
		},
	}))
	stored, lines, err := repo.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReceived, stored.Status)
	require.Equal(t, int64(8), *lines[0].ReceivedQty)
	require.True(t, lines[0].Subtotal.Equal(decimal.NewFromInt(20))) // 2.50 * 8
	require.Equal(t, int64(0), *lines[1].ReceivedQty)
	require.True(t, lines[1].Subtotal.IsZero())
}

func TestCloseAndPost(t *testing.T) {
	svc, repo, ledger, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc)

	// Premature close.
	_, err := svc.CloseAndPost(ctx, testAudit(), order.ID)
	require.ErrorIs(t, err, ErrInvalidState)
	require.Zero(t, ledger.calls)

	advance(t, svc, order.ID, StatusReceived)

	result, err := svc.CloseAndPost(ctx, testAudit(), order.ID)
	require.NoError(t, err)
	require.Equal(t, inventory.ResultPosted, result)
	require.Equal(t, 1, ledger.calls)

	stored, _, _ := repo.GetOrder(ctx, order.ID)
	require.Equal(t, StatusClosed, stored.Status)
	require.True(t, stored.InventoryPosted)

	// Closing again reports the previous posting and never calls the ledger.
	result, err = svc.CloseAndPost(ctx, testAudit(), order.ID)
	require.NoError(t, err)
	require.Equal(t, inventory.ResultAlreadyPosted, result)
	require.Equal(t, 1, ledger.calls)
}

func TestCancel(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()

	order := createOrder(t, svc)
	require.NoError(t, svc.Cancel(ctx, testAudit(), order.ID))
	stored, _, _ := repo.GetOrder(ctx, order.ID)
	require.Equal(t, StatusCancelled, stored.Status)
	require.Equal(t, int64(7), stored.Audit.CancelledBy)

	// Cancelling a cancelled order is a no-op.
	require.NoError(t, svc.Cancel(ctx, testAudit(), order.ID))

	// A closed and posted order can no longer be cancelled.
	posted := createOrder(t, svc)
	advance(t, svc, posted.ID, StatusReceived)
	_, err := svc.CloseAndPost(ctx, testAudit(), posted.ID)
	require.NoError(t, err)
	require.ErrorIs(t, svc.Cancel(ctx, testAudit(), posted.ID), ErrInvalidState)
}

func TestLineMutations(t *testing.T) {
	svc, repo, _, _ := newTestService(t)
	ctx := context.Background()
	order := createOrder(t, svc, LineInput{ProductID: "PRD-1", OrderedQty: 10})

	require.NoError(t, svc.AddLine(ctx, testAudit(), order.ID, LineInput{ProductID: "PRD-2", OrderedQty: 3}))
	_, lines, _ := repo.GetOrder(ctx, order.ID)
	require.Len(t, lines, 2)

	// Duplicate product.
	err := svc.AddLine(ctx, testAudit(), order.ID, LineInput{ProductID: "PRD-2", OrderedQty: 1})
	require.ErrorIs(t, err, ErrValidation)

	// Unknown line.
	require.ErrorIs(t, svc.RemoveLine(ctx, testAudit(), order.ID, "PRD-9"), ErrNotFound)

	require.NoError(t, svc.RemoveLine(ctx, testAudit(), order.ID, "PRD-2"))
	_, lines, _ = repo.GetOrder(ctx, order.ID)
	require.Len(t, lines, 1)

	// Membership freezes from CONFIRMED onward.
	order2 := createOrder(t, svc)
	advance(t, svc, order2.ID, StatusConfirmed)
	err = svc.AddLine(ctx, testAudit(), order2.ID, LineInput{ProductID: "PRD-3", OrderedQty: 2})
	require.ErrorIs(t, err, ErrInvalidState)
	err = svc.RemoveLine(ctx, testAudit(), order2.ID, "PRD-1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestListOrders(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	first := createOrder(t, svc)
	createOrder(t, svc)
	require.NoError(t, svc.SubmitForReview(ctx, testAudit(), first.ID))

	items, total, err := svc.ListOrders(ctx, 50, 0, ListFilters{Status: StatusReview})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, first.ID, items[0].ID)
}
