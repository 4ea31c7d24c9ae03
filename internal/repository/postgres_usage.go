package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

// PostgresUsageRepository is the persistent cost.Tracker.
type PostgresUsageRepository struct {
	db *sql.DB
}

func NewPostgresUsageRepository(db *sql.DB) *PostgresUsageRepository {
	return &PostgresUsageRepository{db: db}
}

func (r *PostgresUsageRepository) Record(ctx context.Context, entry domain.UsageLogEntry) error {
	query := `
		INSERT INTO usage_log (id, run_id, user_id, step_name, attempt, provider, model,
		                       input_tokens, output_tokens, images, latency_ms, cost_usd,
		                       success, error_kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		entry.ID,
		entry.RunID,
		entry.UserID,
		entry.StepName,
		entry.Attempt,
		entry.Provider,
		entry.Model,
		entry.InputTokens,
		entry.OutputTokens,
		entry.Images,
		entry.LatencyMs,
		entry.CostUSD,
		entry.Success,
		nullString(string(entry.ErrorKind)),
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage entry: %w", err)
	}

	return nil
}

// GetUserUsage returns entries at or after since, newest first. An empty
// userID matches every user.
func (r *PostgresUsageRepository) GetUserUsage(ctx context.Context, userID string, since time.Time) ([]domain.UsageLogEntry, error) {
	query := `
		SELECT id, run_id, user_id, step_name, attempt, provider, model, input_tokens,
		       output_tokens, images, latency_ms, cost_usd, success, error_kind, created_at
		FROM usage_log
		WHERE ($1 = '' OR user_id = $1) AND created_at >= $2
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("query usage log: %w", err)
	}
	defer rows.Close()

	var entries []domain.UsageLogEntry
	for rows.Next() {
		var (
			e         domain.UsageLogEntry
			errorKind sql.NullString
		)
		err := rows.Scan(
			&e.ID,
			&e.RunID,
			&e.UserID,
			&e.StepName,
			&e.Attempt,
			&e.Provider,
			&e.Model,
			&e.InputTokens,
			&e.OutputTokens,
			&e.Images,
			&e.LatencyMs,
			&e.CostUSD,
			&e.Success,
			&errorKind,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan usage entry: %w", err)
		}
		e.ErrorKind = domain.ErrorKind(errorKind.String)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (r *PostgresUsageRepository) GetUserTotalCost(ctx context.Context, userID string, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_log
		WHERE ($1 = '' OR user_id = $1) AND created_at >= $2
	`

	var total float64
	err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("query total cost: %w", err)
	}

	return total, nil
}
