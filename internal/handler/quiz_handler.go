package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/response"
	"github.com/smartcampus/proctor/internal/service"
)

// QuizHandler serves student-facing quiz reads.
type QuizHandler struct {
	quizService *service.QuizService
	log         zerolog.Logger
}

// NewQuizHandler creates a new QuizHandler.
func NewQuizHandler(quizService *service.QuizService, log zerolog.Logger) *QuizHandler {
	return &QuizHandler{
		quizService: quizService,
		log:         log.With().Str("component", "quiz_handler").Logger(),
	}
}

// List handles GET /api/v1/quizzes — published quizzes only.
func (h *QuizHandler) List(c *gin.Context) {
	quizzes, err := h.quizService.ListAvailable(c.Request.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Quiz list failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, quizzes)
}

// Detail handles GET /api/v1/quizzes/:quiz_id — quiz metadata and questions
// with answer keys stripped.
func (h *QuizHandler) Detail(c *gin.Context) {
	quizID, ok := parseUUIDParam(c, "quiz_id")
	if !ok {
		return
	}

	detail, err := h.quizService.GetDetail(c.Request.Context(), quizID)
	if err != nil {
		if errors.Is(err, service.ErrQuizNotAvailable) {
			response.Fail(c, http.StatusNotFound, response.ErrQuizNotAvailable)
			return
		}
		h.log.Error().Err(err).Msg("Quiz detail failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, detail)
}
