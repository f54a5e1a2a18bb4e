package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, user_id, side, token, input_mint, output_mint,
	input_amount, output_amount, signature, fee_lamports, trigger, created_at`

func scanTradeRows(rows pgx.Rows) ([]domain.TradeRecord, error) {
	var trades []domain.TradeRecord
	for rows.Next() {
		var (
			t             domain.TradeRecord
			side          string
			in, out, fees int64
		)
		if err := rows.Scan(
			&t.ID, &t.UserID, &side, &t.Token, &t.InputMint, &t.OutputMint,
			&in, &out, &t.Signature, &fees, &t.Trigger, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		t.Side = domain.TradeSide(side)
		t.InputAmount, t.OutputAmount, t.FeeLamports = uint64(in), uint64(out), uint64(fees)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Insert records a confirmed trade. A repeated signature is ignored.
func (s *TradeStore) Insert(ctx context.Context, t domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			id, user_id, side, token, input_mint, output_mint,
			input_amount, output_amount, signature, fee_lamports, trigger, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		) ON CONFLICT (signature) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.UserID, string(t.Side), t.Token, t.InputMint, t.OutputMint,
		int64(t.InputAmount), int64(t.OutputAmount), t.Signature, int64(t.FeeLamports),
		t.Trigger, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", t.Signature, err)
	}
	return nil
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(`SELECT `+tradeSelectCols+` FROM trades WHERE user_id = $1`, []any{userID}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades for %s: %w", userID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}
