package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/acopio-erp/acopio-erp/internal/platform/db"
	"github.com/acopio-erp/acopio-erp/internal/sequence"
	"github.com/acopio-erp/acopio-erp/internal/shared"
)

// Repository persists the stock ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// PostingOrder is the order header slice the posting transaction locks.
type PostingOrder struct {
	ID              string
	Status          string
	InventoryPosted bool
}

// PostingLine is one order line as seen by the posting transaction.
type PostingLine struct {
	ProductID   string
	UnitPrice   *decimal.Decimal
	ReceivedQty *int64
}

// TxRepository exposes the operations available inside a posting transaction.
type TxRepository interface {
	NextID(ctx context.Context, prefix string) (string, error)
	GetOrderForPosting(ctx context.Context, orderID string) (PostingOrder, error)
	OrderLinesForPosting(ctx context.Context, orderID string) ([]PostingLine, error)
	AppendMovement(ctx context.Context, m Movement) error
	GetBalanceForUpdate(ctx context.Context, productID string) (Balance, error)
	UpsertBalance(ctx context.Context, balance Balance) error
	MarkOrderPosted(ctx context.Context, orderID string, actorID int64, postedAt time.Time) error
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

type txRepo struct {
	tx pgx.Tx
}

func (r *txRepo) NextID(ctx context.Context, prefix string) (string, error) {
	return sequence.Allocate(ctx, r.tx, prefix)
}

// GetOrderForPosting locks the order row for the remainder of the
// transaction, serialising concurrent close attempts on the same order.
func (r *txRepo) GetOrderForPosting(ctx context.Context, orderID string) (PostingOrder, error) {
	var o PostingOrder
	err := r.tx.QueryRow(ctx, `SELECT id, status, inventory_posted
FROM purchase_orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&o.ID, &o.Status, &o.InventoryPosted)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PostingOrder{}, shared.ErrNotFound
		}
		return PostingOrder{}, err
	}
	return o, nil
}

func (r *txRepo) OrderLinesForPosting(ctx context.Context, orderID string) ([]PostingLine, error) {
	rows, err := r.tx.Query(ctx, `SELECT product_id, unit_price, received_qty
FROM purchase_order_lines WHERE order_id = $1 ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []PostingLine
	for rows.Next() {
		var l PostingLine
		if err := rows.Scan(&l.ProductID, &l.UnitPrice, &l.ReceivedQty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepo) AppendMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_movements
(id, product_id, direction, qty, unit_price, reference, note, posted_at, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ProductID, string(m.Direction), m.Qty, m.UnitPrice, m.Reference, m.Note, m.PostedAt, m.CreatedBy)
	return err
}

func (r *txRepo) GetBalanceForUpdate(ctx context.Context, productID string) (Balance, error) {
	var b Balance
	err := r.tx.QueryRow(ctx, `SELECT product_id, on_hand, unit_cost, reorder_min, updated_at
FROM stock_balances WHERE product_id = $1 FOR UPDATE`, productID).
		Scan(&b.ProductID, &b.OnHand, &b.UnitCost, &b.ReorderMin, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (r *txRepo) UpsertBalance(ctx context.Context, balance Balance) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO stock_balances (product_id, on_hand, unit_cost, reorder_min, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (product_id) DO UPDATE SET
  on_hand = EXCLUDED.on_hand,
  unit_cost = EXCLUDED.unit_cost,
  reorder_min = EXCLUDED.reorder_min,
  updated_at = EXCLUDED.updated_at`,
		balance.ProductID, balance.OnHand, balance.UnitCost, balance.ReorderMin, balance.UpdatedAt)
	return err
}

// MarkOrderPosted flips the posting flag and closes the order. The flag guard
// makes the flip first-writer-wins even if two transactions raced past the
// row lock somehow.
func (r *txRepo) MarkOrderPosted(ctx context.Context, orderID string, actorID int64, postedAt time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchase_orders SET
  status = 'CLOSED',
  inventory_posted = TRUE,
  posted_at = $2,
  modified_by = $3,
  modified_at = $4
WHERE id = $1 AND inventory_posted = FALSE`, orderID, postedAt, actorID, postedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrConflict
	}
	return nil
}

// GetBalance reads the current balance, returning a zero row for products
// that have never moved.
func (r *Repository) GetBalance(ctx context.Context, productID string) (Balance, error) {
	var b Balance
	err := r.pool.QueryRow(ctx, `SELECT product_id, on_hand, unit_cost, reorder_min, updated_at
FROM stock_balances WHERE product_id = $1`, productID).
		Scan(&b.ProductID, &b.OnHand, &b.UnitCost, &b.ReorderMin, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{ProductID: productID, UnitCost: decimal.Zero}, nil
		}
		return Balance{}, err
	}
	return b, nil
}

// ListBalances pages through stock balances.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	query := `SELECT product_id, on_hand, unit_cost, reorder_min, updated_at FROM stock_balances`
	if filter.BelowReorderOnly {
		query += ` WHERE reorder_min > 0 AND on_hand <= reorder_min`
	}
	query += ` ORDER BY product_id LIMIT $1 OFFSET $2`
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, limit, filter.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.ProductID, &b.OnHand, &b.UnitCost, &b.ReorderMin, &b.UpdatedAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// Kardex lists journal entries for one product, newest first.
func (r *Repository) Kardex(ctx context.Context, filter KardexFilter) ([]Movement, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT id, product_id, direction, qty, unit_price, reference, note, posted_at, created_by
FROM stock_movements
WHERE product_id = $1
  AND ($2::timestamptz IS NULL OR posted_at >= $2)
  AND ($3::timestamptz IS NULL OR posted_at < $3)
ORDER BY posted_at DESC, id DESC
LIMIT $4`, filter.ProductID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var movements []Movement
	for rows.Next() {
		var m Movement
		var direction string
		if err := rows.Scan(&m.ID, &m.ProductID, &direction, &m.Qty, &m.UnitPrice, &m.Reference, &m.Note, &m.PostedAt, &m.CreatedBy); err != nil {
			return nil, err
		}
		m.Direction = Direction(direction)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// SetReorderLevel stores the reorder threshold, creating the balance row when
// the product has never moved.
func (r *Repository) SetReorderLevel(ctx context.Context, productID string, reorderMin int64, at time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO stock_balances (product_id, on_hand, unit_cost, reorder_min, updated_at)
VALUES ($1, 0, 0, $2, $3)
ON CONFLICT (product_id) DO UPDATE SET
  reorder_min = EXCLUDED.reorder_min,
  updated_at = EXCLUDED.updated_at`, productID, reorderMin, at)
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
