package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/promptforge/internal/task"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresLedger) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	l := &PostgresLedger{db: db}
	return db, mock, l
}

func taskColumns() []string {
	return []string{
		"task_id", "status", "requirements", "max_iterations", "score_threshold",
		"temperature", "current_prompt", "current_score", "iteration_count",
		"metadata", "created_at", "updated_at",
	}
}

func TestNewPostgresLedger(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresLedger("invalid connection string")
		assert.Error(t, err)
	})
}

func TestCreateTask(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	tsk := task.New("write a tutor prompt", task.Config{MaxIterations: 3, ScoreThreshold: 80, Temperature: 0.7})

	t.Run("successful insert", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO tasks").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := l.CreateTask(ctx, tsk)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate id yields conflict", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO tasks").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := l.CreateTask(ctx, tsk)
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetTask_Ledger(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful retrieval", func(t *testing.T) {
		metadata, _ := json.Marshal(map[string]any{"best_effort": true})
		rows := sqlmock.NewRows(taskColumns()).AddRow(
			"task-123", "succeeded", "write a tutor prompt", 3, 80.0,
			0.7, "You are a tutor.", 70.0, 3,
			metadata, now, now,
		)

		mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
			WithArgs("task-123").
			WillReturnRows(rows)

		got, err := l.GetTask(ctx, "task-123")
		require.NoError(t, err)
		assert.Equal(t, "task-123", got.ID)
		assert.Equal(t, task.StatusSucceeded, got.Status)
		assert.Equal(t, 3, got.Config.MaxIterations)
		assert.Equal(t, "You are a tutor.", got.CurrentPrompt)
		require.NotNil(t, got.CurrentScore)
		assert.Equal(t, 70.0, *got.CurrentScore)
		assert.Equal(t, true, got.Metadata["best_effort"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown task", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := l.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fresh task has null result fields", func(t *testing.T) {
		rows := sqlmock.NewRows(taskColumns()).AddRow(
			"task-fresh", "pending", "requirements", 3, 80.0,
			0.7, nil, nil, 0,
			nil, now, now,
		)

		mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
			WithArgs("task-fresh").
			WillReturnRows(rows)

		got, err := l.GetTask(ctx, "task-fresh")
		require.NoError(t, err)
		assert.Empty(t, got.CurrentPrompt)
		assert.Nil(t, got.CurrentScore)
		assert.Nil(t, got.Metadata)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAppendIteration(t *testing.T) {
	ctx := context.Background()
	fb := task.Feedback{Suggestions: []string{"shorter"}}

	t.Run("inserts record and bumps task in one transaction", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, iteration_count FROM tasks").
			WithArgs("task-123").
			WillReturnRows(sqlmock.NewRows([]string{"status", "iteration_count"}).AddRow("running", 1))
		mock.ExpectExec("INSERT INTO iterations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE tasks").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		it, err := l.AppendIteration(ctx, "task-123", "better prompt", 85, fb)
		require.NoError(t, err)
		assert.Equal(t, 2, it.Iteration)
		assert.Equal(t, "better prompt", it.Prompt)
		assert.Equal(t, 85.0, it.Score)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("append against terminal task is a sequence violation", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, iteration_count FROM tasks").
			WithArgs("task-123").
			WillReturnRows(sqlmock.NewRows([]string{"status", "iteration_count"}).AddRow("succeeded", 2))
		mock.ExpectRollback()

		_, err := l.AppendIteration(ctx, "task-123", "prompt", 90, fb)
		assert.ErrorIs(t, err, ErrSequenceViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("append against missing task", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, iteration_count FROM tasks").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err := l.AppendIteration(ctx, "ghost", "prompt", 90, fb)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert failure rolls back", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, iteration_count FROM tasks").
			WithArgs("task-123").
			WillReturnRows(sqlmock.NewRows([]string{"status", "iteration_count"}).AddRow("running", 0))
		mock.ExpectExec("INSERT INTO iterations").
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		_, err := l.AppendIteration(ctx, "task-123", "prompt", 90, fb)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateTaskState(t *testing.T) {
	ctx := context.Background()

	t.Run("successful update", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectExec("UPDATE tasks").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := l.UpdateTaskState(ctx, "task-123", StateUpdate{Status: task.StatusRunning})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal task refuses further transitions", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		now := time.Now()
		mock.ExpectExec("UPDATE tasks").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
			WithArgs("task-123").
			WillReturnRows(sqlmock.NewRows(taskColumns()).AddRow(
				"task-123", "succeeded", "requirements", 3, 80.0,
				0.7, "prompt", 85.0, 2,
				nil, now, now,
			))

		err := l.UpdateTaskState(ctx, "task-123", StateUpdate{Status: task.StatusFailed})
		assert.ErrorIs(t, err, ErrSequenceViolation)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing task", func(t *testing.T) {
		db, mock, l := setupMockDB(t)
		defer func() { _ = db.Close() }()

		mock.ExpectExec("UPDATE tasks").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		err := l.UpdateTaskState(ctx, "ghost", StateUpdate{Status: task.StatusRunning})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListIterations_Ledger(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	existsRows := sqlmock.NewRows(taskColumns()).AddRow(
		"task-123", "succeeded", "requirements", 3, 80.0,
		0.7, "prompt", 85.0, 2,
		nil, now, now,
	)
	mock.ExpectQuery("SELECT.*FROM tasks.*WHERE task_id").
		WithArgs("task-123").
		WillReturnRows(existsRows)

	fb1, _ := json.Marshal(task.Feedback{Suggestions: []string{"be concrete"}})
	rows := sqlmock.NewRows([]string{"task_id", "iteration", "prompt", "score", "feedback", "created_at"}).
		AddRow("task-123", 1, "first prompt", 60.0, fb1, now).
		AddRow("task-123", 2, "second prompt", 85.0, nil, now)

	mock.ExpectQuery("SELECT.*FROM iterations.*ORDER BY iteration ASC").
		WithArgs("task-123").
		WillReturnRows(rows)

	iterations, err := l.ListIterations(ctx, "task-123")
	require.NoError(t, err)
	require.Len(t, iterations, 2)
	assert.Equal(t, 1, iterations[0].Iteration)
	assert.Equal(t, 60.0, iterations[0].Score)
	assert.Equal(t, []string{"be concrete"}, iterations[0].Feedback.Suggestions)
	assert.Equal(t, 2, iterations[1].Iteration)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountByStatus_Ledger(t *testing.T) {
	db, mock, l := setupMockDB(t)
	defer func() { _ = db.Close() }()

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 2).
		AddRow("running", 1).
		AddRow("succeeded", 5)

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(rows)

	counts, err := l.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[task.StatusPending])
	assert.Equal(t, 1, counts[task.StatusRunning])
	assert.Equal(t, 5, counts[task.StatusSucceeded])
	assert.NoError(t, mock.ExpectationsWereMet())
}
