package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/felipepmaragno/adventure-engine/internal/domain"
)

type PostgresRunRepository struct {
	db *sql.DB
}

func NewPostgresRunRepository(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) CreateRun(ctx context.Context, run *domain.GenerationRun) error {
	query := `
		INSERT INTO generation_runs (id, user_id, pipeline_id, prompt, status, reservation_id,
		                             result, error_kind, error, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := r.db.ExecContext(ctx, query,
		run.ID,
		run.UserID,
		run.PipelineID,
		run.Prompt,
		run.Status,
		nullString(run.ReservationID),
		nullJSON(run.Result),
		nullString(string(run.ErrorKind)),
		nullString(run.Error),
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const updateRun = `
	UPDATE generation_runs
	SET status = $2, reservation_id = $3, result = $4, error_kind = $5, error = $6,
	    started_at = $7, finished_at = $8
	WHERE id = $1
`

// UpdateRun never rewrites a finished run.
func (r *PostgresRunRepository) UpdateRun(ctx context.Context, run *domain.GenerationRun) error {
	query := updateRun + `AND status NOT IN ('succeeded', 'failed', 'cancelled')`
	return r.update(ctx, "update run", query, run)
}

func (r *PostgresRunRepository) TransitionRun(ctx context.Context, run *domain.GenerationRun, from domain.RunStatus) error {
	query := updateRun + `AND status = $9`
	return r.update(ctx, "transition run", query, run, from)
}

func (r *PostgresRunRepository) update(ctx context.Context, op, query string, run *domain.GenerationRun, extra ...any) error {
	args := []any{
		run.ID,
		run.Status,
		nullString(run.ReservationID),
		nullJSON(run.Result),
		nullString(string(run.ErrorKind)),
		nullString(run.Error),
		run.StartedAt,
		run.FinishedAt,
	}
	result, err := r.db.ExecContext(ctx, query, append(args, extra...)...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if rows > 0 {
		return nil
	}

	var status domain.RunStatus
	err = r.db.QueryRowContext(ctx, `SELECT status FROM generation_runs WHERE id = $1`, run.ID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s %s: status is %s: %w", op, run.ID, status, domain.ErrInvalidTransition)
}

const selectRun = `
	SELECT id, user_id, pipeline_id, prompt, status, reservation_id, result,
	       error_kind, error, created_at, started_at, finished_at
	FROM generation_runs
`

func scanRun(row interface{ Scan(...any) error }) (*domain.GenerationRun, error) {
	var (
		run                              domain.GenerationRun
		reservationID, errorKind, errMsg sql.NullString
		result                           []byte
		startedAt, finishedAt            sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.UserID,
		&run.PipelineID,
		&run.Prompt,
		&run.Status,
		&reservationID,
		&result,
		&errorKind,
		&errMsg,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}

	run.ReservationID = reservationID.String
	run.ErrorKind = domain.ErrorKind(errorKind.String)
	run.Error = errMsg.String
	if len(result) > 0 {
		run.Result = result
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	run.StepResults = []domain.StepResult{}
	return &run, nil
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, id string) (*domain.GenerationRun, error) {
	run, err := scanRun(r.db.QueryRowContext(ctx, selectRun+`WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	results, err := r.stepResults(ctx, id)
	if err != nil {
		return nil, err
	}
	run.StepResults = results
	return run, nil
}

// ListRuns omits step results; callers fetch a single run for its history.
func (r *PostgresRunRepository) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.GenerationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, selectRun+`WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*domain.GenerationRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *PostgresRunRepository) SaveStepResult(ctx context.Context, res domain.StepResult) error {
	query := `
		INSERT INTO step_results (run_id, step_index, step_name, attempt, provider, model,
		                          input_tokens, output_tokens, output_budget, latency_ms,
		                          success, error_kind, output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_id, step_index, attempt) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		res.RunID,
		res.StepIndex,
		res.StepName,
		res.Attempt,
		res.ProviderUsed,
		res.ModelUsed,
		res.InputTokens,
		res.OutputTokens,
		res.OutputBudget,
		res.LatencyMs,
		res.Success,
		nullString(string(res.ErrorKind)),
		nullJSON(res.Output),
		res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}
	return nil
}

func (r *PostgresRunRepository) stepResults(ctx context.Context, runID string) ([]domain.StepResult, error) {
	query := `
		SELECT run_id, step_index, step_name, attempt, provider, model, input_tokens,
		       output_tokens, output_budget, latency_ms, success, error_kind, output, created_at
		FROM step_results
		WHERE run_id = $1
		ORDER BY step_index, attempt
	`

	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()

	results := []domain.StepResult{}
	for rows.Next() {
		var (
			res       domain.StepResult
			errorKind sql.NullString
			output    []byte
		)
		err := rows.Scan(
			&res.RunID,
			&res.StepIndex,
			&res.StepName,
			&res.Attempt,
			&res.ProviderUsed,
			&res.ModelUsed,
			&res.InputTokens,
			&res.OutputTokens,
			&res.OutputBudget,
			&res.LatencyMs,
			&res.Success,
			&errorKind,
			&output,
			&res.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		res.ErrorKind = domain.ErrorKind(errorKind.String)
		if len(output) > 0 {
			res.Output = output
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullJSON keeps SQL NULL for empty documents; jsonb rejects an empty string.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
