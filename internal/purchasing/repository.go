package purchasing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/acopio-erp/acopio-erp/internal/platform/db"
	"github.com/acopio-erp/acopio-erp/internal/sequence"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

// Repository provides PostgreSQL backed persistence for purchase orders.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the operations available inside one order transaction.
// Everything a transition writes (header, lines, allocated ids) goes through
// the same database transaction.
type TxRepository interface {
	NextID(ctx context.Context, prefix string) (string, error)
	InsertOrder(ctx context.Context, o PurchaseOrder) error
	InsertLine(ctx context.Context, l OrderLine) error
	UpdateOrder(ctx context.Context, o PurchaseOrder, from Status) error
	UpdateLine(ctx context.Context, l OrderLine) error
	DeleteLine(ctx context.Context, orderID, productID string) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetOrder returns an order together with all of its lines.
func (r *Repository) GetOrder(ctx context.Context, id string) (PurchaseOrder, []OrderLine, error) {
	var (
		o           PurchaseOrder
		cancelledBy *int64
		cancelledAt *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT id, supplier_id, status, delivery_date, observations,
	inventory_posted, posted_at, created_by, created_at, modified_by, modified_at, cancelled_by, cancelled_at
FROM purchase_orders WHERE id = $1`, id).Scan(
		&o.ID, &o.SupplierID, &o.Status, &o.DeliveryDate, &o.Observations,
		&o.InventoryPosted, &o.PostedAt,
		&o.Audit.CreatedBy, &o.Audit.CreatedAt, &o.Audit.ModifiedBy, &o.Audit.ModifiedAt,
		&cancelledBy, &cancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, nil, ErrNotFound
		}
		return PurchaseOrder{}, nil, err
	}
	if cancelledBy != nil {
		o.Audit.CancelledBy = *cancelledBy
	}
	if cancelledAt != nil {
		o.Audit.CancelledAt = *cancelledAt
	}

	rows, err := r.pool.Query(ctx, `SELECT order_id, product_id, ordered_qty, unit_price, expiry_date, received_qty, subtotal
FROM purchase_order_lines WHERE order_id = $1 ORDER BY product_id`, id)
	if err != nil {
		return PurchaseOrder{}, nil, err
	}
	defer rows.Close()

	var lines []OrderLine
	for rows.Next() {
		var l OrderLine
		if err := rows.Scan(&l.OrderID, &l.ProductID, &l.OrderedQty, &l.UnitPrice, &l.ExpiryDate, &l.ReceivedQty, &l.Subtotal); err != nil {
			return PurchaseOrder{}, nil, err
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return PurchaseOrder{}, nil, err
	}
	return o, lines, nil
}

// ListFilters narrows and sorts order listings.
type ListFilters struct {
	Status     Status
	SupplierID string
	Search     string
	SortBy     string
	SortDir    string
}

// OrderListItem is a listing row with the order total.
type OrderListItem struct {
	ID           string
	SupplierID   string
	Status       Status
	DeliveryDate *time.Time
	Total        decimal.Decimal
	CreatedAt    time.Time
}

// ListOrders returns orders matching the filters plus the unpaged total count.
func (r *Repository) ListOrders(ctx context.Context, limit, offset int, filters ListFilters) ([]OrderListItem, int, error) {
	countSQL := `SELECT COUNT(*) FROM purchase_orders o WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.Status != "" {
		countSQL += ` AND o.status = $` + itoa(argNum)
		args = append(args, string(filters.Status))
		argNum++
	}
	if filters.SupplierID != "" {
		countSQL += ` AND o.supplier_id = $` + itoa(argNum)
		args = append(args, filters.SupplierID)
		argNum++
	}
	if filters.Search != "" {
		countSQL += ` AND o.id ILIKE $` + itoa(argNum)
		args = append(args, "%"+filters.Search+"%")
		argNum++
	}

	var total int
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL := `SELECT o.id, o.supplier_id, o.status, o.delivery_date, o.created_at,
	COALESCE((SELECT SUM(subtotal) FROM purchase_order_lines WHERE order_id = o.id), 0) AS total
FROM purchase_orders o
WHERE 1=1`

	args2 := []any{}
	argNum2 := 1
	if filters.Status != "" {
		dataSQL += ` AND o.status = $` + itoa(argNum2)
		args2 = append(args2, string(filters.Status))
		argNum2++
	}
	if filters.SupplierID != "" {
		dataSQL += ` AND o.supplier_id = $` + itoa(argNum2)
		args2 = append(args2, filters.SupplierID)
		argNum2++
	}
	if filters.Search != "" {
		dataSQL += ` AND o.id ILIKE $` + itoa(argNum2)
		args2 = append(args2, "%"+filters.Search+"%")
		argNum2++
	}

	dataSQL += ` ORDER BY ` + sortOrder(filters.SortBy, filters.SortDir) + ` LIMIT $` + itoa(argNum2) + ` OFFSET $` + itoa(argNum2+1)
	args2 = append(args2, limit, offset)

	rows, err := r.pool.Query(ctx, dataSQL, args2...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []OrderListItem
	for rows.Next() {
		var item OrderListItem
		if err := rows.Scan(&item.ID, &item.SupplierID, &item.Status, &item.DeliveryDate, &item.CreatedAt, &item.Total); err != nil {
			return nil, 0, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func itoa(i int) string {
	return fmt.Sprintf("%d", i)
}

// sortOrder returns a safe ORDER BY clause for order listings.
func sortOrder(sortBy, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	switch sortBy {
	case "id":
		return "o.id " + dir
	case "supplier":
		return "o.supplier_id " + dir
	case "delivery_date":
		return "o.delivery_date " + dir
	case "total":
		return "total " + dir
	case "status":
		return "o.status " + dir
	default:
		return "o.created_at DESC"
	}
}

func (tx *txRepo) NextID(ctx context.Context, prefix string) (string, error) {
	return sequence.Allocate(ctx, tx.tx, prefix)
}

func (tx *txRepo) InsertOrder(ctx context.Context, o PurchaseOrder) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO purchase_orders
	(id, supplier_id, status, delivery_date, observations, inventory_posted, posted_at,
	 created_by, created_at, modified_by, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, o.SupplierID, string(o.Status), o.DeliveryDate, o.Observations,
		o.InventoryPosted, o.PostedAt,
		o.Audit.CreatedBy, o.Audit.CreatedAt, o.Audit.ModifiedBy, o.Audit.ModifiedAt)
	return err
}

func (tx *txRepo) InsertLine(ctx context.Context, l OrderLine) error {
	_, err := tx.tx.Exec(ctx, `INSERT INTO purchase_order_lines
	(order_id, product_id, ordered_qty, unit_price, expiry_date, received_qty, subtotal)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.OrderID, l.ProductID, l.OrderedQty, l.UnitPrice, l.ExpiryDate, l.ReceivedQty, l.Subtotal)
	return err
}

// UpdateOrder writes the order header, guarded by the status the transition
// started from. Zero rows affected means a concurrent transition won the race.
func (tx *txRepo) UpdateOrder(ctx context.Context, o PurchaseOrder, from Status) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_orders SET
	status = $1, delivery_date = $2, observations = $3, inventory_posted = $4, posted_at = $5,
	modified_by = $6, modified_at = $7, cancelled_by = $8, cancelled_at = $9
WHERE id = $10 AND status = $11`,
		string(o.Status), o.DeliveryDate, o.Observations, o.InventoryPosted, o.PostedAt,
		o.Audit.ModifiedBy, o.Audit.ModifiedAt,
		nullInt64(o.Audit.CancelledBy), nullTime(o.Audit.CancelledAt),
		o.ID, string(from))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrConflict
	}
	return nil
}

func (tx *txRepo) UpdateLine(ctx context.Context, l OrderLine) error {
	tag, err := tx.tx.Exec(ctx, `UPDATE purchase_order_lines SET
	unit_price = $1, received_qty = $2, subtotal = $3
WHERE order_id = $4 AND product_id = $5`,
		l.UnitPrice, l.ReceivedQty, l.Subtotal, l.OrderID, l.ProductID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (tx *txRepo) DeleteLine(ctx context.Context, orderID, productID string) error {
	tag, err := tx.tx.Exec(ctx, `DELETE FROM purchase_order_lines WHERE order_id = $1 AND product_id = $2`, orderID, productID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt64(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
