package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"statement-reconciliation/internal/database"
)

// CounterRepository hands out per-scope sequence numbers starting at 1.
type CounterRepository interface {
	Next(ctx context.Context, scope string) (int, error)
}

type counterRepository struct {
	db *sql.DB
}

func NewCounterRepository(db *sql.DB) CounterRepository {
	return &counterRepository{db: db}
}

// Next increments the scope's counter atomically. Inside a transaction the
// increment is rolled back with it.
func (r *counterRepository) Next(ctx context.Context, scope string) (int, error) {
	query := `
		INSERT INTO sequence_counters (scope, value)
		VALUES (?, LAST_INSERT_ID(1))
		ON DUPLICATE KEY UPDATE value = LAST_INSERT_ID(value + 1)
	`
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, scope)
	if err != nil {
		return 0, fmt.Errorf("next counter %s: %w", scope, err)
	}

	value, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}
	return int(value), nil
}
