package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/config"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/smartcampus/proctor/internal/repository"
)

// Attempt lifecycle errors. Handlers map these to API error codes.
var (
	ErrQuizNotAvailable = errors.New("quiz is not available")
	ErrAttemptNotFound  = errors.New("no attempt found")
	ErrAttemptFinished  = errors.New("attempt is already finished")
	ErrAttemptCancelled = errors.New("attempt was cancelled")
	ErrSubmitInFlight   = errors.New("a submission is already in flight")
)

// answerKeyTTL bounds the cached quiz answer key; a correction to the quiz
// propagates within this window.
const answerKeyTTL = time.Hour

// AttemptService owns the server-authoritative attempt record: start,
// state recovery, submission and the violation verdict.
type AttemptService struct {
	attemptRepo   *repository.AttemptRepository
	quizRepo      *repository.QuizRepository
	violationRepo *repository.ViolationRepository
	rdb           *redis.Client
	cancelCap     int
	log           zerolog.Logger

	// submitMu guards submitting: at most one final submission per attempt
	// is graded at a time; a duplicate gets ErrSubmitInFlight.
	submitMu   sync.Mutex
	submitting map[uuid.UUID]struct{}
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(
	attemptRepo *repository.AttemptRepository,
	quizRepo *repository.QuizRepository,
	violationRepo *repository.ViolationRepository,
	rdb *redis.Client,
	cancelCap int,
	log zerolog.Logger,
) *AttemptService {
	return &AttemptService{
		attemptRepo:   attemptRepo,
		quizRepo:      quizRepo,
		violationRepo: violationRepo,
		rdb:           rdb,
		cancelCap:     cancelCap,
		log:           log.With().Str("component", "attempt_service").Logger(),
		submitting:    make(map[uuid.UUID]struct{}),
	}
}

// StartAttempt creates (or resumes) an attempt for the student. Idempotent:
// starting twice returns the existing attempt with its original start time,
// so a page reload never resets the clock.
func (s *AttemptService) StartAttempt(ctx context.Context, quizID uuid.UUID, studentID int) (*model.QuizAttempt, error) {
	quiz, err := s.quizRepo.GetByID(ctx, quizID)
	if err != nil {
		return nil, fmt.Errorf("get quiz: %w", err)
	}

	if quiz.Status != model.QuizStatusPublished {
		return nil, ErrQuizNotAvailable
	}

	existing, err := s.attemptRepo.GetByQuizAndStudent(ctx, quizID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check existing attempt: %w", err)
	}

	if existing != nil {
		// Re-seed the start time and duration caches so remaining-time
		// recomputation works after reloads on a different device.
		_ = s.rdb.Set(ctx, config.CacheKey.AttemptStartKey(existing.ID.String()), existing.StartedAt.Unix(), 0)
		_ = s.rdb.Set(ctx, config.CacheKey.QuizDurationKey(quizID.String()), quiz.DurationMinutes, 0)
		return existing, nil
	}

	attempt := &model.QuizAttempt{
		QuizID:    quizID,
		StudentID: studentID,
		StartedAt: time.Now(),
	}

	if err := s.attemptRepo.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start collapsed into the existing row.
			existing, fetchErr := s.attemptRepo.GetByQuizAndStudent(ctx, quizID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}
	attempt.Status = model.AttemptStatusInProgress

	startKey := config.CacheKey.AttemptStartKey(attempt.ID.String())
	if err := s.rdb.Set(ctx, startKey, attempt.StartedAt.Unix(), 0).Err(); err != nil {
		// Non-fatal: GetState falls back to PostgreSQL.
		s.log.Warn().Err(err).Msg("Failed to cache attempt start time")
	}
	_ = s.rdb.Set(ctx, config.CacheKey.QuizDurationKey(quizID.String()), quiz.DurationMinutes, 0)

	return attempt, nil
}

// GetState returns the resumable attempt state. Remaining time is always
// recomputed from the authoritative start timestamp, never counted down
// server-side.
func (s *AttemptService) GetState(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.AttemptState, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}

	durationMinutes, err := s.quizDuration(ctx, attempt.QuizID)
	if err != nil {
		return nil, err
	}

	// Start time: Redis first, PostgreSQL as source of truth on a miss.
	var startUnix int64
	startKey := config.CacheKey.AttemptStartKey(attemptID.String())
	val, err := s.rdb.Get(ctx, startKey).Result()
	switch {
	case errors.Is(err, redis.Nil):
		startUnix = attempt.StartedAt.Unix()
		// Self-heal so the next request is fast.
		_ = s.rdb.Set(ctx, startKey, startUnix, 0)
	case err != nil:
		return nil, fmt.Errorf("redis error getting start time: %w", err)
	default:
		startUnix, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid start time format in cache: %w", err)
		}
	}

	startTime := time.Unix(startUnix, 0)
	endTime := startTime.Add(time.Duration(durationMinutes) * time.Minute)
	remaining := time.Until(endTime)
	if remaining < 0 {
		remaining = 0
	}

	saved, err := s.rdb.HGetAll(ctx, config.CacheKey.AttemptAnswersKey(attemptID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get saved answers: %w", err)
	}

	return &model.AttemptState{
		AttemptID:        attemptID,
		Status:           attempt.Status,
		StartedAt:        startTime,
		DurationMinutes:  durationMinutes,
		RemainingSeconds: remaining.Seconds(),
		SavedAnswers:     saved,
	}, nil
}

// quizDuration resolves a quiz's duration in minutes: Redis first,
// PostgreSQL as source of truth on a miss, self-healing the cache.
func (s *AttemptService) quizDuration(ctx context.Context, quizID uuid.UUID) (int, error) {
	key := config.CacheKey.QuizDurationKey(quizID.String())
	val, err := s.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if minutes, parseErr := strconv.Atoi(val); parseErr == nil {
			return minutes, nil
		}
		// Unparseable cache entry: fall through and rewrite it.
	case !errors.Is(err, redis.Nil):
		return 0, fmt.Errorf("redis error getting quiz duration: %w", err)
	}

	quiz, err := s.quizRepo.GetByID(ctx, quizID)
	if err != nil {
		return 0, fmt.Errorf("get quiz: %w", err)
	}
	_ = s.rdb.Set(ctx, key, quiz.DurationMinutes, 0)
	return quiz.DurationMinutes, nil
}

// Submit persists the full answer map and, on a final submission, grades the
// attempt and closes it. Save-and-exit keeps the attempt in progress.
// Submitting a completed attempt returns ErrAttemptFinished, a cancelled one
// ErrAttemptCancelled.
func (s *AttemptService) Submit(ctx context.Context, attemptID uuid.UUID, studentID int, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}

	if err := terminalError(attempt.Status); err != nil {
		return nil, err
	}

	// Mirror answers in Redis for state recovery (last write wins per
	// question) and queue them for the answer worker. A slow database
	// never blocks the student here.
	answersKey := config.CacheKey.AttemptAnswersKey(attemptID.String())
	for _, ans := range req.Answers {
		if err := s.rdb.HSet(ctx, answersKey, ans.QuestionID.String(), ans.SelectedOption).Err(); err != nil {
			return nil, fmt.Errorf("save answer: %w", err)
		}
		payload, _ := json.Marshal(answerQueueItem{
			AttemptID:      attemptID.String(),
			QuestionID:     ans.QuestionID.String(),
			SelectedOption: ans.SelectedOption,
		})
		s.rdb.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	}

	if !req.Final {
		return &model.SubmitAttemptResponse{Status: model.AttemptStatusInProgress}, nil
	}

	// A second final submission while the first is mid-grade gets a
	// conflict instead of racing the Complete update.
	if !s.beginSubmit(attemptID) {
		return nil, ErrSubmitInFlight
	}
	defer s.endSubmit(attemptID)

	score, err := s.grade(ctx, attempt.QuizID, req.Answers)
	if err != nil {
		return nil, fmt.Errorf("grade attempt: %w", err)
	}

	affected, err := s.attemptRepo.Complete(ctx, attemptID, score)
	if err != nil {
		return nil, fmt.Errorf("complete attempt: %w", err)
	}
	if affected == 0 {
		// Lost the race against a cancellation or a duplicate submit.
		return nil, ErrAttemptFinished
	}

	s.log.Info().
		Str("attempt_id", attemptID.String()).
		Float64("score", score).
		Msg("Attempt submitted and graded")

	return &model.SubmitAttemptResponse{
		Status:     model.AttemptStatusCompleted,
		FinalScore: &score,
	}, nil
}

// terminalError maps a terminal attempt status onto its lifecycle sentinel.
func terminalError(status model.AttemptStatus) error {
	switch status {
	case model.AttemptStatusCompleted:
		return ErrAttemptFinished
	case model.AttemptStatusCancelled:
		return ErrAttemptCancelled
	}
	return nil
}

// beginSubmit claims the attempt's finalization slot.
func (s *AttemptService) beginSubmit(attemptID uuid.UUID) bool {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()
	if _, busy := s.submitting[attemptID]; busy {
		return false
	}
	s.submitting[attemptID] = struct{}{}
	return true
}

func (s *AttemptService) endSubmit(attemptID uuid.UUID) {
	s.submitMu.Lock()
	delete(s.submitting, attemptID)
	s.submitMu.Unlock()
}

// getOwnedAttempt fetches an attempt and verifies the student owns it.
// Another student's attempt looks like a missing one, never a forbidden one.
func (s *AttemptService) getOwnedAttempt(ctx context.Context, attemptID uuid.UUID, studentID int) (*model.QuizAttempt, error) {
	attempt, err := s.attemptRepo.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID {
		return nil, ErrAttemptNotFound
	}
	return attempt, nil
}

// grade scores the answer map against the quiz answer key, 0-100.
func (s *AttemptService) grade(ctx context.Context, quizID uuid.UUID, answers []model.SubmittedAnswer) (float64, error) {
	key, err := s.answerKey(ctx, quizID)
	if err != nil {
		return 0, err
	}

	correct := 0
	for _, ans := range answers {
		if expected, ok := key[ans.QuestionID]; ok && expected == ans.SelectedOption {
			correct++
		}
	}

	if len(key) == 0 {
		return 0, nil
	}
	return float64(correct) / float64(len(key)) * 100, nil
}

// answerKey loads a quiz's answer key, cached in Redis: many students grade
// against the same quiz in the closing minutes.
func (s *AttemptService) answerKey(ctx context.Context, quizID uuid.UUID) (map[uuid.UUID]string, error) {
	cacheKey := config.CacheKey.QuizAnswerKey(quizID.String())
	if raw, err := s.rdb.Get(ctx, cacheKey).Result(); err == nil {
		var key map[uuid.UUID]string
		if json.Unmarshal([]byte(raw), &key) == nil {
			return key, nil
		}
	}

	key, err := s.quizRepo.GetAnswerKey(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(key); err == nil {
		_ = s.rdb.Set(ctx, cacheKey, raw, answerKeyTTL)
	}
	return key, nil
}

// RecordViolation applies a violation report to the attempt and returns the
// authoritative verdict. The record itself is queued to Redis for the
// violation worker; the verdict is decided synchronously.
func (s *AttemptService) RecordViolation(ctx context.Context, attemptID uuid.UUID, studentID int, req *model.ReportViolationRequest) (*model.Verdict, error) {
	attempt, err := s.getOwnedAttempt(ctx, attemptID, studentID)
	if err != nil {
		return nil, err
	}

	if err := terminalError(attempt.Status); err != nil {
		return nil, err
	}

	total, err := s.attemptRepo.IncrementViolations(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("increment violations: %w", err)
	}

	// Queue the record for batched persistence.
	payload, _ := json.Marshal(violationQueueItem{
		AttemptID:     attemptID.String(),
		ViolationType: string(req.ViolationType),
		Details:       req.Details,
		ShouldCancel:  req.ShouldCancel,
		Timestamp:     time.Now().Unix(),
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload).Err(); err != nil {
		s.log.Error().Err(err).Msg("Failed to queue violation record")
	}

	// Fan out to the live invigilator monitor feed.
	s.publishMonitorEvent(ctx, attempt, req, total)

	verdict := s.decideVerdict(req, total)

	if verdict.Cancelled {
		reason := fmt.Sprintf("%s: %s", req.ViolationType, req.Details)
		if _, err := s.attemptRepo.Cancel(ctx, attemptID, reason); err != nil {
			return nil, fmt.Errorf("cancel attempt: %w", err)
		}
		s.log.Warn().
			Str("attempt_id", attemptID.String()).
			Str("violation_type", string(req.ViolationType)).
			Int("total_violations", total).
			Msg("Attempt cancelled by proctoring verdict")
	}

	return verdict, nil
}

// decideVerdict is the cancellation policy: an escalated report cancels
// outright; otherwise the accumulated violation count is checked against
// the configured cap.
func (s *AttemptService) decideVerdict(req *model.ReportViolationRequest, total int) *model.Verdict {
	if req.ShouldCancel {
		return &model.Verdict{
			Cancelled: true,
			Warning:   false,
			Message:   "Attempt cancelled: " + string(req.ViolationType),
		}
	}
	if s.cancelCap > 0 && total >= s.cancelCap {
		return &model.Verdict{
			Cancelled: true,
			Warning:   false,
			Message:   fmt.Sprintf("Attempt cancelled: violation limit reached (%d)", total),
		}
	}
	return &model.Verdict{
		Cancelled: false,
		Warning:   true,
		Message:   "Warning recorded: " + string(req.ViolationType),
	}
}

// answerQueueItem is the wire format of the answer persistence queue.
type answerQueueItem struct {
	AttemptID      string `json:"attempt_id"`
	QuestionID     string `json:"question_id"`
	SelectedOption string `json:"selected_option"`
}

// violationQueueItem is the wire format of the Redis persistence queue.
type violationQueueItem struct {
	AttemptID     string `json:"attempt_id"`
	ViolationType string `json:"violation_type"`
	Details       string `json:"details"`
	ShouldCancel  bool   `json:"should_cancel"`
	Timestamp     int64  `json:"timestamp"`
}

// MonitorEvent is the payload published on the quiz monitor channel.
type MonitorEvent struct {
	AttemptID     string `json:"attempt_id"`
	StudentID     int    `json:"student_id"`
	ViolationType string `json:"violation_type"`
	Details       string `json:"details"`
	ShouldCancel  bool   `json:"should_cancel"`
	Total         int    `json:"total"`
	Timestamp     int64  `json:"timestamp"`
}

func (s *AttemptService) publishMonitorEvent(ctx context.Context, attempt *model.QuizAttempt, req *model.ReportViolationRequest, total int) {
	event, _ := json.Marshal(MonitorEvent{
		AttemptID:     attempt.ID.String(),
		StudentID:     attempt.StudentID,
		ViolationType: string(req.ViolationType),
		Details:       req.Details,
		ShouldCancel:  req.ShouldCancel,
		Total:         total,
		Timestamp:     time.Now().Unix(),
	})
	channel := config.CacheKey.QuizMonitorChannel(attempt.QuizID.String())
	if err := s.rdb.Publish(ctx, channel, event).Err(); err != nil {
		s.log.Debug().Err(err).Msg("Monitor publish failed")
	}
}

// ViolationHistory returns the persisted violation records of an attempt.
func (s *AttemptService) ViolationHistory(ctx context.Context, attemptID uuid.UUID) ([]model.ViolationRecord, error) {
	return s.violationRepo.ListByAttempt(ctx, attemptID)
}
