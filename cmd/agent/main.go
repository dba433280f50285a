package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/config"
	"github.com/smartcampus/proctor/internal/logger"
	"github.com/smartcampus/proctor/internal/proctor"
	"github.com/smartcampus/proctor/internal/session"
	"golang.org/x/term"
)

func main() {
	quizFlag := flag.String("quiz", "", "quiz ID to attempt")
	studentFlag := flag.String("student", "", "student number")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("backend", cfg.BackendURL).
		Str("analyzer", cfg.AnalyzerURL).
		Msg("Starting Proctor Agent")

	quizID, err := uuid.Parse(*quizFlag)
	if err != nil {
		log.Fatal().Str("quiz", *quizFlag).Msg("A valid -quiz ID is required")
	}
	if *studentFlag == "" {
		log.Fatal().Msg("-student is required")
	}

	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read password")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Authenticate ──────────────────────────────────────────────────
	client := session.NewClient(cfg.BackendURL)
	student, err := client.Login(ctx, *studentFlag, string(password))
	if err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}
	log.Info().Str("student", student.Name).Msg("Logged in")

	quiz, err := client.GetQuiz(ctx, quizID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load quiz")
	}
	log.Info().
		Str("title", quiz.Quiz.Title).
		Int("questions", len(quiz.Questions)).
		Int("duration_minutes", quiz.Quiz.DurationMinutes).
		Msg("Quiz loaded")

	// Starting is idempotent, so learn the attempt ID up front; the
	// controller's own start call resumes the same attempt.
	initial, err := client.StartAttempt(ctx, quizID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start attempt")
	}

	// ─── Wire the Proctoring Pipeline ──────────────────────────────────
	analyzer := proctor.NewAnalyzer(
		cfg.AnalyzerURL, cfg.AnalyzerTimeout, cfg.ConfidenceThreshold,
		proctor.NewSkinRegionCounter(), log,
	)
	reporter := proctor.NewReporter(cfg.BackendURL, client.Token(), initial.AttemptID, log)

	var ctrl *session.Controller
	monitor := proctor.NewMonitor(proctor.MonitorConfig{
		OpenSource: func(ctx context.Context) (proctor.FrameSource, error) {
			return proctor.OpenMJPEGSource(ctx, cfg.CameraStreamURL)
		},
		Analyzer:          analyzer,
		Reporter:          reporter,
		Interval:          cfg.SampleInterval,
		JPEGQuality:       cfg.JPEGQuality,
		ObjectDetectEvery: cfg.ObjectDetectEvery,
		OnCancelled: func(message string) {
			ctrl.HandleCancelled(message)
		},
	}, log)
	ctrl = session.NewController(client, monitor, nil, log)

	// ─── Run the Exam Session ──────────────────────────────────────────
	state, err := ctrl.Begin(ctx, quizID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to begin exam session")
	}
	log.Info().
		Str("attempt_id", state.AttemptID.String()).
		Float64("remaining_seconds", state.RemainingSeconds).
		Msg("Exam session running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	status := time.NewTicker(15 * time.Second)
	defer status.Stop()

	for ctrl.Active() {
		select {
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("Saving and exiting")
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 15*time.Second)
			if err := ctrl.SaveAndExit(saveCtx); err != nil {
				log.Error().Err(err).Msg("Save-and-exit failed")
			}
			saveCancel()
			return

		case <-status.C:
			event := log.Info().
				Float64("remaining_seconds", ctrl.Remaining().Seconds()).
				Int("answered", len(ctrl.Answers()))
			if warning := monitor.ActiveWarning(); warning != nil {
				event = event.Str("warning", string(warning.Category))
			}
			event.Msg("Session status")

		case <-time.After(time.Second):
			// Re-check Active.
		}
	}

	if result := ctrl.Result(); result != nil && result.FinalScore != nil {
		log.Info().Float64("score", *result.FinalScore).Msg("Attempt completed")
	} else if monitor.Cancelled() {
		log.Warn().Msg("Attempt was cancelled")
	}
	log.Info().Msg("Agent exiting")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
