package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates quiz attempt states. COMPLETED and CANCELLED
// are terminal.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "IN_PROGRESS"
	AttemptStatusCompleted  AttemptStatus = "COMPLETED"
	AttemptStatusCancelled  AttemptStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptStatusCompleted || s == AttemptStatusCancelled
}

// QuizAttempt is one student's timed instance of taking a quiz. The server
// record is authoritative for cancellation; agents hold only a mirror.
type QuizAttempt struct {
	ID             uuid.UUID     `json:"id"`
	QuizID         uuid.UUID     `json:"quiz_id"`
	StudentID      int           `json:"student_id"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Status         AttemptStatus `json:"status"`
	ViolationCount int           `json:"violation_count"`
	CancelReason   string        `json:"cancel_reason,omitempty"`
	FinalScore     *float64      `json:"final_score,omitempty"`
}

// SubmittedAnswer is one question's selected option.
type SubmittedAnswer struct {
	QuestionID     uuid.UUID `json:"questionId" binding:"required"`
	SelectedOption string    `json:"selectedOption" binding:"required,len=1"`
}

// SubmitAttemptRequest carries the full answer map on save-and-exit or
// final submission. Both paths use the same operation.
type SubmitAttemptRequest struct {
	Answers []SubmittedAnswer `json:"answers" binding:"required,dive"`
	Final   bool              `json:"final"`
}

// SubmitAttemptResponse reports the outcome of a submission.
type SubmitAttemptResponse struct {
	Status     AttemptStatus `json:"status"`
	FinalScore *float64      `json:"final_score,omitempty"`
}

// AttemptState is the resumable view of an attempt: saved answers plus the
// remaining time recomputed from the authoritative start timestamp.
type AttemptState struct {
	AttemptID        uuid.UUID         `json:"attempt_id"`
	Status           AttemptStatus     `json:"status"`
	StartedAt        time.Time         `json:"started_at"`
	DurationMinutes  int               `json:"duration_minutes"`
	RemainingSeconds float64           `json:"remaining_seconds"`
	SavedAnswers     map[string]string `json:"saved_answers"`
}
