package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/smartcampus/proctor/internal/repository"
	"github.com/smartcampus/proctor/internal/response"
	"github.com/smartcampus/proctor/internal/service"
	"github.com/smartcampus/proctor/internal/validator"
)

// AuthHandler serves login endpoints for students and invigilators.
type AuthHandler struct {
	authService *service.AuthService
	studentRepo *repository.StudentRepository
	log         zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(authService *service.AuthService, studentRepo *repository.StudentRepository, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		studentRepo: studentRepo,
		log:         log.With().Str("component", "auth_handler").Logger(),
	}
}

type loginResponse struct {
	Token   string         `json:"token"`
	Student *model.Student `json:"student,omitempty"`
}

type invigilatorLoginResponse struct {
	Token       string             `json:"token"`
	Invigilator *model.Invigilator `json:"invigilator,omitempty"`
}

// StudentLogin handles POST /api/v1/auth/student/login. A student may hold
// only one active session; a second login is rejected until staff reset it.
func (h *AuthHandler) StudentLogin(c *gin.Context) {
	var req model.StudentLoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	student, err := h.studentRepo.GetByStudentNumber(c.Request.Context(), req.StudentNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		h.log.Error().Err(err).Msg("Student lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if err := h.authService.CheckPassword(student.PasswordHash, req.Password); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	token, err := h.authService.GenerateStudentToken(c.Request.Context(), student.ID)
	if err != nil {
		if errors.Is(err, service.ErrSessionAlreadyActive) {
			response.Fail(c, http.StatusConflict, response.ErrSessionActive)
			return
		}
		h.log.Error().Err(err).Msg("Token generation failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, loginResponse{Token: token, Student: student})
}

// InvigilatorLogin handles POST /api/v1/auth/invigilator/login.
func (h *AuthHandler) InvigilatorLogin(c *gin.Context) {
	var req model.InvigilatorLoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	invigilator, err := h.studentRepo.GetInvigilatorByEmail(c.Request.Context(), req.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		h.log.Error().Err(err).Msg("Invigilator lookup failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	if err := h.authService.CheckPassword(invigilator.PasswordHash, req.Password); err != nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
		return
	}

	token, err := h.authService.GenerateInvigilatorToken(invigilator.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("Token generation failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, invigilatorLoginResponse{Token: token, Invigilator: invigilator})
}

// ResetStudentSession handles POST /api/v1/auth/students/:student_id/reset-session.
// Invigilator-only: frees a stuck single-device session so the student can
// log in again.
func (h *AuthHandler) ResetStudentSession(c *gin.Context) {
	studentID, ok := parseIntParam(c, "student_id")
	if !ok {
		return
	}

	if err := h.authService.ResetStudentSession(c.Request.Context(), studentID); err != nil {
		h.log.Error().Err(err).Int("student_id", studentID).Msg("Session reset failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"reset": true})
}
