package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/smartcampus/proctor/internal/model"
)

// QuizRepository handles quiz and question data access.
type QuizRepository struct {
	pool *pgxpool.Pool
}

// NewQuizRepository creates a new QuizRepository.
func NewQuizRepository(pool *pgxpool.Pool) *QuizRepository {
	return &QuizRepository{pool: pool}
}

// GetByID retrieves a quiz by ID.
func (r *QuizRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Quiz, error) {
	q := &model.Quiz{}
	err := r.pool.QueryRow(ctx,
		`SELECT q.id, q.title, q.description, q.duration_minutes, q.status, q.created_at,
		        (SELECT COUNT(*) FROM questions WHERE quiz_id = q.id) AS question_count
		 FROM quizzes q WHERE q.id = $1`, id,
	).Scan(&q.ID, &q.Title, &q.Description, &q.DurationMinutes, &q.Status, &q.CreatedAt, &q.QuestionCount)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ListPublished retrieves all quizzes currently open to students.
func (r *QuizRepository) ListPublished(ctx context.Context) ([]model.Quiz, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT q.id, q.title, q.description, q.duration_minutes, q.status, q.created_at,
		        (SELECT COUNT(*) FROM questions WHERE quiz_id = q.id) AS question_count
		 FROM quizzes q
		 WHERE q.status = $1
		 ORDER BY q.created_at DESC`, model.QuizStatusPublished,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quizzes []model.Quiz
	for rows.Next() {
		var q model.Quiz
		if err := rows.Scan(&q.ID, &q.Title, &q.Description, &q.DurationMinutes, &q.Status, &q.CreatedAt, &q.QuestionCount); err != nil {
			return nil, err
		}
		quizzes = append(quizzes, q)
	}
	return quizzes, rows.Err()
}

// ListQuestions retrieves all questions for a quiz in display order,
// including the correct option (callers must strip it for students).
func (r *QuizRepository) ListQuestions(ctx context.Context, quizID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, quiz_id, text, options, correct_option, position
		 FROM questions
		 WHERE quiz_id = $1
		 ORDER BY position`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.QuizID, &q.Text, &q.Options, &q.CorrectOption, &q.Position); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetAnswerKey returns the question → correct option map for grading.
func (r *QuizRepository) GetAnswerKey(ctx context.Context, quizID uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_option FROM questions WHERE quiz_id = $1`, quizID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	key := make(map[uuid.UUID]string)
	for rows.Next() {
		var id uuid.UUID
		var correct string
		if err := rows.Scan(&id, &correct); err != nil {
			return nil, err
		}
		key[id] = correct
	}
	return key, rows.Err()
}
