package model

import (
	"time"

	"github.com/google/uuid"
)

// QuizStatus enumerates quiz lifecycle states.
type QuizStatus string

const (
	QuizStatusDraft     QuizStatus = "DRAFT"
	QuizStatusPublished QuizStatus = "PUBLISHED"
	QuizStatusArchived  QuizStatus = "ARCHIVED"
)

// Quiz is a timed multiple-choice assessment.
type Quiz struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	DurationMinutes int        `json:"duration_minutes"`
	Status          QuizStatus `json:"status"`
	QuestionCount   int        `json:"question_count"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Option is one selectable answer, addressed by letter (A, B, C, ...).
type Option struct {
	Letter string `json:"letter"`
	Text   string `json:"text"`
}

// Question is one quiz question with its options. CorrectOption is never
// serialized to students.
type Question struct {
	ID            uuid.UUID `json:"id"`
	QuizID        uuid.UUID `json:"-"`
	Text          string    `json:"text"`
	Options       []Option  `json:"options"`
	CorrectOption string    `json:"-"`
	Position      int       `json:"position"`
}

// QuizDetail is the student-facing quiz payload: metadata plus questions
// without answer keys.
type QuizDetail struct {
	Quiz      Quiz       `json:"quiz"`
	Questions []Question `json:"questions"`
}
