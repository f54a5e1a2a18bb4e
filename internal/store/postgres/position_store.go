package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/swapbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `user_id, token, entry_price, quantity, decimals,
	rules, high_water_mark, state, opened_at, updated_at`

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var (
			p        domain.Position
			quantity int64
			decimals int16
			rules    []byte
			state    string
		)
		if err := rows.Scan(
			&p.UserID, &p.Token, &p.EntryPrice, &quantity, &decimals,
			&rules, &p.HighWaterMark, &state, &p.OpenedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &p.Rules); err != nil {
				return nil, fmt.Errorf("decode rules for %s/%s: %w", p.UserID, p.Token, err)
			}
		}
		p.Quantity = uint64(quantity)
		p.Decimals = uint8(decimals)
		p.State = domain.PositionState(state)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Load returns every persisted position.
func (s *PositionStore) Load(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionSelectCols+` FROM positions ORDER BY user_id, token`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// Get returns the position for (user, token), or domain.ErrNotFound.
func (s *PositionStore) Get(ctx context.Context, userID, token string) (domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE user_id = $1 AND token = $2`,
		userID, token,
	)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", domain.PositionKey(userID, token), err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: scan position: %w", err)
	}
	if len(positions) == 0 {
		return domain.Position{}, domain.ErrNotFound
	}
	return positions[0], nil
}

// Save upserts the position for (user, token).
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("postgres: marshal rules: %w", err)
	}

	const query = `
		INSERT INTO positions (
			user_id, token, entry_price, quantity, decimals,
			rules, high_water_mark, state, opened_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, NOW()
		)
		ON CONFLICT (user_id, token) DO UPDATE SET
			entry_price     = EXCLUDED.entry_price,
			quantity        = EXCLUDED.quantity,
			decimals        = EXCLUDED.decimals,
			rules           = EXCLUDED.rules,
			high_water_mark = EXCLUDED.high_water_mark,
			state           = EXCLUDED.state,
			updated_at      = NOW()`

	_, err = s.pool.Exec(ctx, query,
		p.UserID, p.Token, p.EntryPrice, int64(p.Quantity), int16(p.Decimals),
		rules, p.HighWaterMark, string(p.State), p.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.Key(), err)
	}
	return nil
}

// Remove deletes the position for (user, token). Removing a missing row is
// not an error.
func (s *PositionStore) Remove(ctx context.Context, userID, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND token = $2`, userID, token)
	if err != nil {
		return fmt.Errorf("postgres: remove position %s: %w", domain.PositionKey(userID, token), err)
	}
	return nil
}
