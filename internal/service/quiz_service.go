package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/smartcampus/proctor/internal/repository"
)

// QuizService exposes student-facing quiz reads.
type QuizService struct {
	quizRepo *repository.QuizRepository
	log      zerolog.Logger
}

// NewQuizService creates a new QuizService.
func NewQuizService(quizRepo *repository.QuizRepository, log zerolog.Logger) *QuizService {
	return &QuizService{
		quizRepo: quizRepo,
		log:      log.With().Str("component", "quiz_service").Logger(),
	}
}

// ListAvailable returns all published quizzes.
func (s *QuizService) ListAvailable(ctx context.Context) ([]model.Quiz, error) {
	return s.quizRepo.ListPublished(ctx)
}

// GetDetail returns the quiz with its questions, answer keys stripped.
func (s *QuizService) GetDetail(ctx context.Context, quizID uuid.UUID) (*model.QuizDetail, error) {
	quiz, err := s.quizRepo.GetByID(ctx, quizID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrQuizNotAvailable
		}
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	if quiz.Status != model.QuizStatusPublished {
		return nil, ErrQuizNotAvailable
	}

	questions, err := s.quizRepo.ListQuestions(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}

	// CorrectOption carries the json:"-" tag, but clear it anyway so the
	// payload can never leak a key through later serialization changes.
	for i := range questions {
		questions[i].CorrectOption = ""
	}

	return &model.QuizDetail{Quiz: *quiz, Questions: questions}, nil
}
