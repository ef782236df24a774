// Package sequence allocates human-readable document identifiers, formatted as
// a short prefix followed by a zero-padded decimal, e.g. PO00000042.
//
// Numbers come from a per-prefix row in document_sequences incremented inside
// a single statement, so two callers asking for the same prefix serialize on
// the row lock instead of racing a read-max-then-insert scan.
package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Width is the fixed digit count of the numeric suffix.
const Width = 8

const maxValue = 99999999

// ErrExhausted indicates the prefix ran out of representable numbers.
var ErrExhausted = errors.New("sequence: prefix exhausted")

// Querier is the subset of pgx used for allocation. Both *pgxpool.Pool and
// pgx.Tx satisfy it, so ids can be reserved inside an open transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Allocate reserves the next number for prefix and returns the formatted id.
func Allocate(ctx context.Context, q Querier, prefix string) (string, error) {
	if prefix == "" {
		return "", errors.New("sequence: prefix required")
	}
	var next int64
	err := q.QueryRow(ctx, `INSERT INTO document_sequences (prefix, last_value) VALUES ($1, 1)
ON CONFLICT (prefix) DO UPDATE SET last_value = document_sequences.last_value + 1
RETURNING last_value`, prefix).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("sequence: allocate %s: %w", prefix, err)
	}
	if next > maxValue {
		return "", ErrExhausted
	}
	return Format(prefix, next), nil
}

// Format renders a prefix and number as a fixed-width document id.
func Format(prefix string, n int64) string {
	return fmt.Sprintf("%s%0*d", prefix, Width, n)
}

// Generator allocates ids on its own pool connection.
type Generator struct {
	pool *pgxpool.Pool
}

// NewGenerator constructs a Generator.
func NewGenerator(pool *pgxpool.Pool) *Generator {
	return &Generator{pool: pool}
}

// NextID reserves and formats the next id for prefix.
func (g *Generator) NextID(ctx context.Context, prefix string) (string, error) {
	return Allocate(ctx, g.pool, prefix)
}
