package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/promptforge/promptforge/internal/task"
)

// PostgresLedger stores tasks and iteration records in PostgreSQL.
//
// Expected shape: a `tasks` table keyed by task_id and an `iterations` table
// foreign-keyed to it with ON DELETE CASCADE and a unique (task_id, iteration)
// constraint.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(connectionString string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) CreateTask(ctx context.Context, t *task.Task) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO tasks (
			task_id, status, requirements, max_iterations, score_threshold,
			temperature, iteration_count, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (task_id) DO NOTHING
	`

	result, err := l.db.ExecContext(
		ctx,
		query,
		t.ID,
		t.Status,
		t.Requirements,
		t.Config.MaxIterations,
		t.Config.ScoreThreshold,
		t.Config.Temperature,
		t.IterationCount,
		metadata,
		t.CreatedAt,
		t.UpdatedAt,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrConflict)
	}

	return nil
}

func (l *PostgresLedger) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	query := `
		SELECT
			task_id, status, requirements, max_iterations, score_threshold,
			temperature, current_prompt, current_score, iteration_count,
			metadata, created_at, updated_at
		FROM tasks
		WHERE task_id = $1
	`

	var t task.Task
	var currentPrompt sql.NullString
	var currentScore sql.NullFloat64
	var metadata []byte

	err := l.db.QueryRowContext(ctx, query, taskID).Scan(
		&t.ID,
		&t.Status,
		&t.Requirements,
		&t.Config.MaxIterations,
		&t.Config.ScoreThreshold,
		&t.Config.Temperature,
		&currentPrompt,
		&currentScore,
		&t.IterationCount,
		&metadata,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	if currentPrompt.Valid {
		t.CurrentPrompt = currentPrompt.String
	}
	if currentScore.Valid {
		t.CurrentScore = &currentScore.Float64
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &t, nil
}

func (l *PostgresLedger) ListIterations(ctx context.Context, taskID string) ([]task.Iteration, error) {
	if _, err := l.GetTask(ctx, taskID); err != nil {
		return nil, err
	}

	query := `
		SELECT task_id, iteration, prompt, score, feedback, created_at
		FROM iterations
		WHERE task_id = $1
		ORDER BY iteration ASC
	`
	rows, err := l.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var iterations []task.Iteration
	for rows.Next() {
		var it task.Iteration
		var feedback []byte
		if err := rows.Scan(
			&it.TaskID,
			&it.Iteration,
			&it.Prompt,
			&it.Score,
			&feedback,
			&it.CreatedAt,
		); err != nil {
			return nil, err
		}

		if len(feedback) > 0 {
			if err := json.Unmarshal(feedback, &it.Feedback); err != nil {
				return nil, fmt.Errorf("failed to unmarshal feedback: %w", err)
			}
		}

		iterations = append(iterations, it)
	}

	return iterations, rows.Err()
}

// AppendIteration runs in one transaction so no reader ever observes an
// iteration record alongside a stale iteration_count.
func (l *PostgresLedger) AppendIteration(ctx context.Context, taskID, prompt string, score float64, feedback task.Feedback) (*task.Iteration, error) {
	feedbackJSON, err := json.Marshal(feedback)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal feedback: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status task.Status
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT status, iteration_count FROM tasks WHERE task_id = $1 FOR UPDATE`,
		taskID,
	).Scan(&status, &count)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if status != task.StatusRunning {
		return nil, fmt.Errorf("task %s in status %s: %w", taskID, status, ErrSequenceViolation)
	}

	it := task.Iteration{
		TaskID:    taskID,
		Iteration: count + 1,
		Prompt:    prompt,
		Score:     score,
		Feedback:  feedback,
		CreatedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO iterations (task_id, iteration, prompt, score, feedback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		it.TaskID, it.Iteration, it.Prompt, it.Score, feedbackJSON, it.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks
		 SET current_prompt = $1, current_score = $2, iteration_count = $3, updated_at = NOW()
		 WHERE task_id = $4`,
		it.Prompt, it.Score, it.Iteration, taskID,
	)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &it, nil
}

func (l *PostgresLedger) UpdateTaskState(ctx context.Context, taskID string, upd StateUpdate) error {
	metadata, err := marshalMetadata(upd.Metadata)
	if err != nil {
		return err
	}

	// The terminal-status guard keeps transitions forward-only even if a
	// stale writer slips past the lease check.
	query := `
		UPDATE tasks
		SET status = $1,
		    current_prompt = COALESCE($2, current_prompt),
		    current_score = COALESCE($3, current_score),
		    iteration_count = COALESCE($4, iteration_count),
		    metadata = COALESCE($5, metadata),
		    updated_at = NOW()
		WHERE task_id = $6
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')
	`

	result, err := l.db.ExecContext(
		ctx,
		query,
		upd.Status,
		upd.CurrentPrompt,
		upd.CurrentScore,
		upd.IterationCount,
		metadata,
		taskID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := l.GetTask(ctx, taskID); err != nil {
			return err
		}
		return fmt.Errorf("task %s already terminal: %w", taskID, ErrSequenceViolation)
	}

	return nil
}

func (l *PostgresLedger) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM tasks GROUP BY status`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status task.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}

func marshalMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}
