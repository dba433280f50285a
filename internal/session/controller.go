package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
)

var (
	// ErrSessionNotActive means the session already ended (submitted,
	// cancelled, or never begun).
	ErrSessionNotActive = errors.New("exam session is not active")
	// ErrAlreadySubmitted means another submission won the race; the
	// caller's answers were not sent twice.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
)

// ProctorMonitor is the monitoring lifecycle the controller drives.
type ProctorMonitor interface {
	Start(ctx context.Context) error
	Stop()
}

type sessionPhase int

const (
	phaseIdle sessionPhase = iota
	phaseStarting
	phaseActive
	phaseFinished
	phaseCancelled
)

// Controller runs one student's exam session end to end: it starts the
// attempt, keeps the countdown against the server's start timestamp, holds
// the working answer set, and closes the session exactly once — by manual
// submit, by the countdown reaching zero, or by a cancellation verdict.
type Controller struct {
	client  *Client
	monitor ProctorMonitor
	log     zerolog.Logger
	now     func() time.Time

	mu        sync.Mutex
	phase     sessionPhase
	attemptID uuid.UUID
	startedAt time.Time
	duration  time.Duration
	answers   map[uuid.UUID]string
	result    *model.SubmitAttemptResponse
	stopTimer context.CancelFunc
	timerDone chan struct{}

	// submitting guards the finalization critical section: concurrent
	// Submit calls, or Submit racing the countdown, send exactly one
	// final submission.
	submitting bool
}

// NewController creates an idle Controller. now may be nil (time.Now).
func NewController(client *Client, monitor ProctorMonitor, now func() time.Time, log zerolog.Logger) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		client:  client,
		monitor: monitor,
		log:     log.With().Str("component", "session").Logger(),
		now:     now,
	}
}

// Begin starts (or resumes) the attempt and brings up monitoring and the
// countdown. The remaining time comes from the server's start timestamp, so
// resuming an attempt started 90 seconds ago on a 2-minute quiz yields a
// 30-second countdown, never a fresh one.
func (c *Controller) Begin(ctx context.Context, quizID uuid.UUID) (*model.AttemptState, error) {
	// Claim the session before any network I/O so a concurrent Begin is
	// rejected instead of double-starting the monitor and countdown.
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return nil, ErrSessionNotActive
	}
	c.phase = phaseStarting
	c.mu.Unlock()

	state, err := c.client.StartAttempt(ctx, quizID)
	if err != nil {
		c.abortBegin()
		return nil, fmt.Errorf("start attempt: %w", err)
	}
	if state.Status.Terminal() {
		c.abortBegin()
		return nil, fmt.Errorf("attempt %s is already %s: %w", state.AttemptID, state.Status, ErrSessionNotActive)
	}

	answers := make(map[uuid.UUID]string, len(state.SavedAnswers))
	for rawID, option := range state.SavedAnswers {
		questionID, err := uuid.Parse(rawID)
		if err != nil {
			continue
		}
		answers[questionID] = option
	}

	if err := c.monitor.Start(ctx); err != nil {
		c.abortBegin()
		return nil, fmt.Errorf("start monitoring: %w", err)
	}

	timerCtx, stopTimer := context.WithCancel(context.Background())
	timerDone := make(chan struct{})

	c.mu.Lock()
	c.phase = phaseActive
	c.attemptID = state.AttemptID
	c.startedAt = state.StartedAt
	c.duration = time.Duration(state.DurationMinutes) * time.Minute
	c.answers = answers
	c.stopTimer = stopTimer
	c.timerDone = timerDone
	c.mu.Unlock()

	go c.countdown(timerCtx, timerDone)

	c.log.Info().
		Str("attempt_id", state.AttemptID.String()).
		Float64("remaining_seconds", c.Remaining().Seconds()).
		Int("saved_answers", len(answers)).
		Msg("Exam session started")
	return state, nil
}

// abortBegin releases the starting claim after a failed Begin.
func (c *Controller) abortBegin() {
	c.mu.Lock()
	c.phase = phaseIdle
	c.mu.Unlock()
}

// Remaining returns the time left, recomputed from the server start
// timestamp on every call. Never negative.
func (c *Controller) Remaining() time.Duration {
	c.mu.Lock()
	startedAt, duration := c.startedAt, c.duration
	c.mu.Unlock()

	remaining := duration - c.now().Sub(startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SetAnswer records the selected option for a question. Last write wins;
// writes after the session ends are dropped.
func (c *Controller) SetAnswer(questionID uuid.UUID, option string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != phaseActive {
		return
	}
	c.answers[questionID] = option
}

// Answers returns a snapshot of the working answer set.
func (c *Controller) Answers() map[uuid.UUID]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[uuid.UUID]string, len(c.answers))
	for id, option := range c.answers {
		snapshot[id] = option
	}
	return snapshot
}

// Active reports whether the session is still running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseActive
}

// Result returns the final submission outcome, or nil before submission.
func (c *Controller) Result() *model.SubmitAttemptResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// SaveAndExit uploads the current answers without finalizing. The attempt
// stays in progress server-side and can be resumed; the local session ends.
func (c *Controller) SaveAndExit(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseActive || c.submitting {
		c.mu.Unlock()
		return ErrSessionNotActive
	}
	c.submitting = true
	attemptID := c.attemptID
	answers := c.answerList()
	c.mu.Unlock()

	_, err := c.client.Submit(ctx, attemptID, answers, false)
	if err != nil {
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
		return fmt.Errorf("save answers: %w", err)
	}

	c.teardown(phaseFinished, nil)
	c.log.Info().Str("attempt_id", attemptID.String()).Msg("Session saved and exited")
	return nil
}

// Submit finalizes the attempt with the current answers. Exactly one
// submission reaches the server no matter how many callers race (double
// click, manual submit racing the countdown); losers get
// ErrAlreadySubmitted.
func (c *Controller) Submit(ctx context.Context) (*model.SubmitAttemptResponse, error) {
	c.mu.Lock()
	if c.phase != phaseActive {
		c.mu.Unlock()
		return nil, ErrSessionNotActive
	}
	if c.submitting {
		c.mu.Unlock()
		return nil, ErrAlreadySubmitted
	}
	c.submitting = true
	attemptID := c.attemptID
	answers := c.answerList()
	c.mu.Unlock()

	result, err := c.client.Submit(ctx, attemptID, answers, true)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Closed server-side first (timeout or cancellation race).
			switch apiErr.Code {
			case "ATTEMPT_FINISHED":
				c.teardown(phaseFinished, nil)
				return nil, ErrSessionNotActive
			case "ATTEMPT_CANCELLED":
				c.teardown(phaseCancelled, nil)
				return nil, ErrSessionNotActive
			}
		}
		c.mu.Lock()
		c.submitting = false
		c.mu.Unlock()
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	c.teardown(phaseFinished, result)
	c.log.Info().
		Str("attempt_id", attemptID.String()).
		Str("status", string(result.Status)).
		Msg("Attempt submitted")
	return result, nil
}

// HandleCancelled ends the session after a server cancellation verdict:
// the countdown halts and nothing is submitted. Safe to call from the
// monitor's callback goroutine.
func (c *Controller) HandleCancelled(message string) {
	c.mu.Lock()
	if c.phase != phaseActive {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.teardown(phaseCancelled, nil)
	c.log.Warn().Str("reason", message).Msg("Exam session cancelled")
}

// countdown ticks once per second, independently of the sampling loop, and
// auto-submits when the remaining time reaches zero.
func (c *Controller) countdown(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.Remaining() > 0 {
				continue
			}
			c.log.Info().Msg("Time expired, auto-submitting")
			submitCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			if _, err := c.Submit(submitCtx); err != nil &&
				!errors.Is(err, ErrAlreadySubmitted) && !errors.Is(err, ErrSessionNotActive) {
				c.log.Error().Err(err).Msg("Auto-submit failed")
			}
			cancel()
			return
		}
	}
}

// teardown moves the session to a terminal phase and releases the countdown
// and the monitor. Idempotent across racing finishers.
func (c *Controller) teardown(final sessionPhase, result *model.SubmitAttemptResponse) {
	c.mu.Lock()
	if c.phase != phaseActive {
		c.mu.Unlock()
		return
	}
	c.phase = final
	c.result = result
	stopTimer := c.stopTimer
	timerDone := c.timerDone
	c.mu.Unlock()

	if stopTimer != nil {
		stopTimer()
	}

	// The countdown goroutine may itself be the finisher; never block on
	// it from inside its own call stack.
	go func() {
		if timerDone != nil {
			<-timerDone
		}
		c.monitor.Stop()
	}()
}

// answerList converts the answer map to the wire shape. Caller holds mu.
func (c *Controller) answerList() []model.SubmittedAnswer {
	answers := make([]model.SubmittedAnswer, 0, len(c.answers))
	for questionID, option := range c.answers {
		answers = append(answers, model.SubmittedAnswer{
			QuestionID:     questionID,
			SelectedOption: option,
		})
	}
	return answers
}
