package proctor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
)

// DefaultSampleInterval is the monitoring tick cadence.
const DefaultSampleInterval = time.Second

// MonitorConfig wires a Monitor's collaborators.
type MonitorConfig struct {
	// OpenSource acquires the camera. Called once per Start; a failure is
	// fatal for monitoring and reported as CAMERA_DISABLED.
	OpenSource func(ctx context.Context) (FrameSource, error)

	Analyzer *Analyzer
	Reporter *Reporter

	// Interval between samples (default 1s).
	Interval time.Duration

	JPEGQuality       int
	ObjectDetectEvery int

	// OnCancelled runs once when the server verdict cancels the attempt.
	// The monitor has already stopped itself by the time it fires.
	OnCancelled func(message string)

	// Now may be nil (time.Now). Tests inject a fake clock, which is also
	// handed to the classifier.
	Now func() time.Time
}

// Monitor owns the proctoring loop: every tick it captures a frame, analyzes
// it, runs the classifier, and reports any resulting events. Its lifecycle is
// strictly scoped — Start acquires the camera and ticker, Stop releases both,
// and every exit path runs through Stop so nothing keeps sampling after the
// exam ends.
type Monitor struct {
	cfg MonitorConfig
	log zerolog.Logger

	mu       sync.Mutex
	running  bool
	cameraOn bool
	source   FrameSource
	sampler  *Sampler
	cancel   context.CancelFunc
	done     chan struct{}

	// evalMu serializes classifier access between ticks, Stop's Reset, and
	// warning reads.
	evalMu     sync.Mutex
	classifier *Classifier
	warning    *Warning

	// inFlight skips ticks while a previous analysis is still running; slow
	// inference must never queue up a backlog of stale frames.
	inFlight  atomic.Bool
	cancelled atomic.Bool
}

// NewMonitor creates a stopped Monitor.
func NewMonitor(cfg MonitorConfig, log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Monitor{
		cfg:        cfg,
		log:        log.With().Str("component", "monitor").Logger(),
		classifier: NewClassifier(cfg.Now),
	}
}

// Start acquires the camera and begins the sampling loop. Idempotent while
// running. A camera acquisition failure reports CAMERA_DISABLED immediately
// and returns an error — the caller decides whether the exam may proceed.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	source, err := m.cfg.OpenSource(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Camera acquisition failed")
		if m.cfg.Reporter != nil {
			m.cfg.Reporter.Report(ctx, Event{
				Category: model.ViolationCameraDisabled,
				Details:  "camera could not be acquired",
			})
		}
		return fmt.Errorf("acquire camera: %w", err)
	}

	m.source = source
	m.sampler = NewSampler(source, m.cfg.JPEGQuality, m.cfg.ObjectDetectEvery)
	m.sampler.SetActive(true)
	m.sampler.SetCameraOn(true)
	m.sampler.SetReady(true)
	m.cameraOn = true
	m.running = true

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(loopCtx, m.done)

	m.log.Info().Dur("interval", m.cfg.Interval).Msg("Monitoring started")
	return nil
}

// Stop halts sampling, releases the camera, and clears every classifier
// timer so no stale warning survives into a later session. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	source := m.source
	sampler := m.sampler
	m.source = nil
	m.sampler = nil
	m.mu.Unlock()

	sampler.SetActive(false)
	cancel()
	<-done

	if err := source.Close(); err != nil {
		m.log.Warn().Err(err).Msg("Camera release failed")
	}

	m.evalMu.Lock()
	m.classifier.Reset()
	m.warning = nil
	m.evalMu.Unlock()

	m.log.Info().Msg("Monitoring stopped")
}

// Running reports whether the sampling loop is live.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetCameraOn records the camera toggle. While off, face conditions are
// unobservable but the CAMERA_DISABLED timer keeps advancing every tick.
func (m *Monitor) SetCameraOn(on bool) {
	m.mu.Lock()
	m.cameraOn = on
	if m.sampler != nil {
		m.sampler.SetCameraOn(on)
	}
	m.mu.Unlock()
}

// ActiveWarning returns a copy of the currently displayed warning, or nil.
func (m *Monitor) ActiveWarning() *Warning {
	m.evalMu.Lock()
	defer m.evalMu.Unlock()
	if m.warning == nil {
		return nil
	}
	w := *m.warning
	return &w
}

// Cancelled reports whether a server verdict has cancelled the attempt.
func (m *Monitor) Cancelled() bool {
	return m.cancelled.Load()
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.inFlight.CompareAndSwap(false, true) {
				// Previous analysis still in flight; drop this tick.
				continue
			}
			go func() {
				defer m.inFlight.Store(false)
				m.tick(ctx)
			}()
		}
	}
}

// tick runs one capture → analyze → classify → report cycle.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	sampler := m.sampler
	cameraOn := m.cameraOn
	m.mu.Unlock()
	if sampler == nil {
		return
	}

	var snap *model.DetectionSnapshot
	if cameraOn {
		if sample, ok := sampler.Capture(ctx); ok {
			snap = m.cfg.Analyzer.Analyze(ctx, sample)
		}
	}

	m.evalMu.Lock()
	if ctx.Err() != nil {
		// Stop ran while the analysis was in flight. The classifier has
		// been (or is about to be) reset under evalMu; a stale snapshot
		// must not repopulate it or reach the reporter.
		m.evalMu.Unlock()
		return
	}
	events := m.classifier.Evaluate(snap, cameraOn)
	m.warning = m.classifier.ActiveWarning()
	m.evalMu.Unlock()

	for _, ev := range events {
		if ev.Category == model.ViolationNone {
			continue
		}
		m.log.Info().
			Str("violation_type", string(ev.Category)).
			Bool("should_cancel", ev.ShouldCancel).
			Msg("Violation event")

		verdict := m.cfg.Reporter.Report(ctx, ev)
		if verdict != nil && verdict.Cancelled {
			m.handleCancelled(verdict.Message)
			return
		}
	}
}

// handleCancelled stops monitoring and fires the cancellation callback once.
func (m *Monitor) handleCancelled(message string) {
	if !m.cancelled.CompareAndSwap(false, true) {
		return
	}
	m.log.Warn().Str("reason", message).Msg("Attempt cancelled by server verdict")

	// Runs from a tick goroutine, not the run loop, so Stop cannot
	// deadlock waiting on done.
	go func() {
		m.Stop()
		if m.cfg.OnCancelled != nil {
			m.cfg.OnCancelled(message)
		}
	}()
}
