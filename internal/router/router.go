package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/smartcampus/proctor/internal/config"
	"github.com/smartcampus/proctor/internal/handler"
	"github.com/smartcampus/proctor/internal/middleware"
	"github.com/smartcampus/proctor/internal/response"
	"github.com/smartcampus/proctor/internal/service"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Auth      *handler.AuthHandler
	Quiz      *handler.QuizHandler
	Attempt   *handler.AttemptHandler
	MonitorWS *handler.MonitorWSHandler
}

// Setup builds the Gin engine with all routes and middleware.
func Setup(cfg *config.Config, authService *service.AuthService, h Handlers) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(response.RequestIDMiddleware())
	r.Use(corsMiddleware(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")

	// Login endpoints are rate-limited per IP; everything else sits behind
	// a JWT and needs no extra throttle on an exam-hall LAN.
	loginLimiter := middleware.NewRateLimiter(10, time.Minute)
	auth := api.Group("/auth", loginLimiter.Middleware())
	{
		auth.POST("/student/login", h.Auth.StudentLogin)
		auth.POST("/invigilator/login", h.Auth.InvigilatorLogin)
	}

	// Student surface: quiz reads and the attempt lifecycle, all under the
	// single-device session guard.
	student := api.Group("/quizzes",
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
	)
	{
		student.GET("", h.Quiz.List)
		student.GET("/:quiz_id", h.Quiz.Detail)
		student.POST("/:quiz_id/start", h.Attempt.Start)
		student.GET("/attempts/:attempt_id/state", h.Attempt.State)
		student.POST("/attempts/:attempt_id/submit", h.Attempt.Submit)
		student.POST("/attempts/:attempt_id/violations", h.Attempt.ReportViolation)
	}

	// Invigilator surface: violation review, session resets, and the live
	// monitor feed.
	invigilator := api.Group("", middleware.RequireInvigilatorJWT(authService))
	{
		invigilator.GET("/attempts/:attempt_id/violations", h.Attempt.Violations)
		invigilator.POST("/auth/students/:student_id/reset-session", h.Auth.ResetStudentSession)
	}

	ws := api.Group("/ws", middleware.RequireInvigilatorWSAuth(authService))
	{
		ws.GET("/quizzes/:quiz_id/monitor", h.MonitorWS.Stream)
	}

	return r
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = allowedOrigins
	}
	return cors.New(corsCfg)
}
