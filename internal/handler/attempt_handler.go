package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/middleware"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/smartcampus/proctor/internal/response"
	"github.com/smartcampus/proctor/internal/service"
	"github.com/smartcampus/proctor/internal/validator"
)

// AttemptHandler serves the attempt lifecycle: start, state recovery,
// submission, and violation reports.
type AttemptHandler struct {
	attemptService *service.AttemptService
	log            zerolog.Logger
}

// NewAttemptHandler creates a new AttemptHandler.
func NewAttemptHandler(attemptService *service.AttemptService, log zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		attemptService: attemptService,
		log:            log.With().Str("component", "attempt_handler").Logger(),
	}
}

// Start handles POST /api/v1/quizzes/:quiz_id/start. Idempotent: a second
// start returns the existing attempt state with its original clock.
func (h *AttemptHandler) Start(c *gin.Context) {
	claims := middleware.GetClaims(c)
	quizID, ok := parseUUIDParam(c, "quiz_id")
	if !ok {
		return
	}

	attempt, err := h.attemptService.StartAttempt(c.Request.Context(), quizID, claims.UserID)
	if err != nil {
		h.failAttemptError(c, err, "Start attempt failed")
		return
	}

	state, err := h.attemptService.GetState(c.Request.Context(), attempt.ID, claims.UserID)
	if err != nil {
		h.failAttemptError(c, err, "Attempt state after start failed")
		return
	}

	response.Success(c, http.StatusOK, state)
}

// State handles GET /api/v1/quizzes/attempts/:attempt_id/state — the
// resumable view with remaining time recomputed from the start timestamp.
func (h *AttemptHandler) State(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseUUIDParam(c, "attempt_id")
	if !ok {
		return
	}

	state, err := h.attemptService.GetState(c.Request.Context(), attemptID, claims.UserID)
	if err != nil {
		h.failAttemptError(c, err, "Attempt state failed")
		return
	}

	response.Success(c, http.StatusOK, state)
}

// Submit handles POST /api/v1/quizzes/attempts/:attempt_id/submit for both
// save-and-exit (final=false) and final submission.
func (h *AttemptHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseUUIDParam(c, "attempt_id")
	if !ok {
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.attemptService.Submit(c.Request.Context(), attemptID, claims.UserID, &req)
	if err != nil {
		h.failAttemptError(c, err, "Submit failed")
		return
	}

	response.Success(c, http.StatusOK, result)
}

// ReportViolation handles POST /api/v1/quizzes/attempts/:attempt_id/violations.
// Returns the authoritative verdict; a report against a closed attempt gets
// ATTEMPT_FINISHED or ATTEMPT_CANCELLED so the agent can go quiet.
func (h *AttemptHandler) ReportViolation(c *gin.Context) {
	claims := middleware.GetClaims(c)
	attemptID, ok := parseUUIDParam(c, "attempt_id")
	if !ok {
		return
	}

	var req model.ReportViolationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if !validViolationType(req.ViolationType) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidViolation)
		return
	}

	verdict, err := h.attemptService.RecordViolation(c.Request.Context(), attemptID, claims.UserID, &req)
	if err != nil {
		h.failAttemptError(c, err, "Violation report failed")
		return
	}

	response.Success(c, http.StatusOK, verdict)
}

// Violations handles GET /api/v1/quizzes/attempts/:attempt_id/violations —
// the persisted violation history, for invigilator review.
func (h *AttemptHandler) Violations(c *gin.Context) {
	attemptID, ok := parseUUIDParam(c, "attempt_id")
	if !ok {
		return
	}

	records, err := h.attemptService.ViolationHistory(c.Request.Context(), attemptID)
	if err != nil {
		h.log.Error().Err(err).Msg("Violation history failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, records)
}

// failAttemptError maps attempt service sentinels onto API error codes.
func (h *AttemptHandler) failAttemptError(c *gin.Context, err error, logMsg string) {
	switch {
	case errors.Is(err, service.ErrQuizNotAvailable):
		response.Fail(c, http.StatusNotFound, response.ErrQuizNotAvailable)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrAttemptFinished):
		response.Fail(c, http.StatusConflict, response.ErrAttemptFinished)
	case errors.Is(err, service.ErrAttemptCancelled):
		response.Fail(c, http.StatusConflict, response.ErrAttemptCancelled)
	case errors.Is(err, service.ErrSubmitInFlight):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInFlight)
	default:
		h.log.Error().Err(err).Msg(logMsg)
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

func validViolationType(v model.ViolationCategory) bool {
	switch v {
	case model.ViolationNoFace, model.ViolationMultipleFaces, model.ViolationCameraDisabled,
		model.ViolationCheatingObject, model.ViolationLookingAway:
		return true
	}
	return false
}
