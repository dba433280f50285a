package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartcampus/proctor/internal/model"
)

// AttemptRepository handles quiz attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

const attemptColumns = `id, quiz_id, student_id, started_at, finished_at, status, violation_count, cancel_reason, final_score`

func scanAttempt(row interface{ Scan(...any) error }) (*model.QuizAttempt, error) {
	a := &model.QuizAttempt{}
	var cancelReason *string
	err := row.Scan(&a.ID, &a.QuizID, &a.StudentID, &a.StartedAt, &a.FinishedAt,
		&a.Status, &a.ViolationCount, &cancelReason, &a.FinalScore)
	if err != nil {
		return nil, err
	}
	if cancelReason != nil {
		a.CancelReason = *cancelReason
	}
	return a, nil
}

// GetByID retrieves an attempt by ID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.QuizAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts WHERE id = $1`, id))
}

// GetByQuizAndStudent retrieves an attempt for a specific quiz-student combination.
func (r *AttemptRepository) GetByQuizAndStudent(ctx context.Context, quizID uuid.UUID, studentID int) (*model.QuizAttempt, error) {
	return scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM quiz_attempts
		 WHERE quiz_id = $1 AND student_id = $2`, quizID, studentID))
}

// Create inserts a new attempt (student starts the quiz). The unique
// (quiz_id, student_id) constraint makes concurrent starts collapse to one row.
func (r *AttemptRepository) Create(ctx context.Context, a *model.QuizAttempt) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO quiz_attempts (quiz_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (quiz_id, student_id) DO NOTHING
		 RETURNING id, started_at`,
		a.QuizID, a.StudentID, model.AttemptStatusInProgress,
	).Scan(&a.ID, &a.StartedAt)
}

// Complete marks an attempt as completed with a final score.
// Only in-progress attempts are affected; returns the number of rows changed
// so callers can detect a lost race against cancellation.
func (r *AttemptRepository) Complete(ctx context.Context, id uuid.UUID, score float64) (int64, error) {
	now := time.Now()
	tag, err := r.pool.Exec(ctx,
		`UPDATE quiz_attempts
		 SET status = $1, final_score = $2, finished_at = $3
		 WHERE id = $4 AND status = $5`,
		model.AttemptStatusCompleted, score, now, id, model.AttemptStatusInProgress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Cancel marks an attempt as cancelled with a reason. Idempotent: a second
// cancel of the same attempt changes nothing.
func (r *AttemptRepository) Cancel(ctx context.Context, id uuid.UUID, reason string) (int64, error) {
	now := time.Now()
	tag, err := r.pool.Exec(ctx,
		`UPDATE quiz_attempts
		 SET status = $1, cancel_reason = $2, finished_at = $3
		 WHERE id = $4 AND status = $5`,
		model.AttemptStatusCancelled, reason, now, id, model.AttemptStatusInProgress)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// IncrementViolations bumps the attempt's violation counter and returns the
// new total.
func (r *AttemptRepository) IncrementViolations(ctx context.Context, id uuid.UUID) (int, error) {
	var total int
	err := r.pool.QueryRow(ctx,
		`UPDATE quiz_attempts
		 SET violation_count = violation_count + 1
		 WHERE id = $1
		 RETURNING violation_count`, id,
	).Scan(&total)
	return total, err
}
