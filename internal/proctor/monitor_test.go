package proctor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedClock is a fake clock safe for use from the monitor's tick goroutine.
type lockedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newLockedClock() *lockedClock {
	return &lockedClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *lockedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *lockedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// reportRecorder is a fake attempt backend that records violation reports
// and answers with a verdict.
type reportRecorder struct {
	mu      sync.Mutex
	reports []model.ReportViolationRequest
}

func (rr *reportRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req model.ReportViolationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		rr.mu.Lock()
		rr.reports = append(rr.reports, req)
		rr.mu.Unlock()

		verdict := model.Verdict{Warning: true, Message: "Warning recorded"}
		if req.ShouldCancel {
			verdict = model.Verdict{Cancelled: true, Message: "Attempt cancelled"}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": verdict})
	}
}

func (rr *reportRecorder) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.reports)
}

func (rr *reportRecorder) last() model.ReportViolationRequest {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.reports[len(rr.reports)-1]
}

func clearAnalyzerServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"face_count":        1,
			"looking_direction": "center",
		})
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestMonitor(t *testing.T, clock *lockedClock, source FrameSource, recorder *reportRecorder, onCancelled func(string)) *Monitor {
	t.Helper()

	backend := httptest.NewServer(recorder.handler())
	t.Cleanup(backend.Close)
	analyzer := NewAnalyzer(clearAnalyzerServer(t).URL, time.Second, 0.6, &stubCounter{}, zerolog.Nop())
	reporter := NewReporter(backend.URL, "token", uuid.New(), zerolog.Nop())

	return NewMonitor(MonitorConfig{
		OpenSource: func(ctx context.Context) (FrameSource, error) {
			return source, nil
		},
		Analyzer:          analyzer,
		Reporter:          reporter,
		Interval:          5 * time.Millisecond,
		JPEGQuality:       60,
		ObjectDetectEvery: 5,
		OnCancelled:       onCancelled,
		Now:               clock.now,
	}, zerolog.Nop())
}

func TestMonitorLifecycle(t *testing.T) {
	clock := newLockedClock()
	source := &stubSource{frame: testFrame()}
	m := newTestMonitor(t, clock, source, &reportRecorder{}, nil)

	require.NoError(t, m.Start(context.Background()))
	assert.True(t, m.Running())

	// Start is idempotent while running.
	require.NoError(t, m.Start(context.Background()))

	m.Stop()
	assert.False(t, m.Running())
	assert.True(t, source.closed, "stopping must release the camera")
	assert.Nil(t, m.ActiveWarning())

	// Stop is idempotent.
	m.Stop()
}

func TestCameraAcquisitionFailureReportsAndFails(t *testing.T) {
	recorder := &reportRecorder{}
	backend := httptest.NewServer(recorder.handler())
	defer backend.Close()

	m := NewMonitor(MonitorConfig{
		OpenSource: func(ctx context.Context) (FrameSource, error) {
			return nil, errors.New("device busy")
		},
		Analyzer: NewAnalyzer(backend.URL, time.Second, 0.6, &stubCounter{}, zerolog.Nop()),
		Reporter: NewReporter(backend.URL, "token", uuid.New(), zerolog.Nop()),
	}, zerolog.Nop())

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.False(t, m.Running())

	require.Equal(t, 1, recorder.count())
	assert.Equal(t, model.ViolationCameraDisabled, recorder.last().ViolationType)
	assert.False(t, recorder.last().ShouldCancel)
}

func TestCameraDisabledEscalationCancelsSession(t *testing.T) {
	clock := newLockedClock()
	source := &stubSource{frame: testFrame()}
	recorder := &reportRecorder{}

	cancelled := make(chan string, 1)
	m := newTestMonitor(t, clock, source, recorder, func(message string) {
		cancelled <- message
	})

	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	// Turn the camera off: the next tick warns immediately.
	m.SetCameraOn(false)
	require.Eventually(t, func() bool { return recorder.count() >= 1 }, time.Second, 5*time.Millisecond)
	first := recorder.last()
	assert.Equal(t, model.ViolationCameraDisabled, first.ViolationType)
	assert.False(t, first.ShouldCancel)

	w := m.ActiveWarning()
	require.NotNil(t, w)
	assert.Equal(t, model.ViolationCameraDisabled, w.Category)

	// 10 seconds later (camera still off, no snapshot at all) the warning
	// escalates, the server cancels, and the monitor stops itself.
	clock.advance(10 * time.Second)
	select {
	case msg := <-cancelled:
		assert.Equal(t, "Attempt cancelled", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("cancellation callback never fired")
	}

	assert.Equal(t, model.ViolationCameraDisabled, recorder.last().ViolationType)
	assert.True(t, recorder.last().ShouldCancel)
	assert.True(t, m.Cancelled())

	require.Eventually(t, func() bool { return !m.Running() }, time.Second, 5*time.Millisecond)
	assert.True(t, source.closed)
}

func TestStopDiscardsInFlightAnalysis(t *testing.T) {
	clock := newLockedClock()
	source := &stubSource{frame: testFrame()}
	recorder := &reportRecorder{}
	backend := httptest.NewServer(recorder.handler())
	t.Cleanup(backend.Close)

	// The inference service blocks mid-request so a tick is guaranteed to
	// still be analyzing when Stop runs. The response carries two faces,
	// which would warn immediately if it ever reached the classifier.
	entered := make(chan struct{})
	release := make(chan struct{})
	var enteredOnce, releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	analyzerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enteredOnce.Do(func() { close(entered) })
		<-release
		json.NewEncoder(w).Encode(map[string]any{
			"face_count":        2,
			"looking_direction": "center",
		})
	}))
	t.Cleanup(analyzerSrv.Close)

	m := NewMonitor(MonitorConfig{
		OpenSource: func(ctx context.Context) (FrameSource, error) {
			return source, nil
		},
		Analyzer:          NewAnalyzer(analyzerSrv.URL, 5*time.Second, 0.6, &stubCounter{}, zerolog.Nop()),
		Reporter:          NewReporter(backend.URL, "token", uuid.New(), zerolog.Nop()),
		Interval:          5 * time.Millisecond,
		JPEGQuality:       60,
		ObjectDetectEvery: 5,
		Now:               clock.now,
	}, zerolog.Nop())

	require.NoError(t, m.Start(context.Background()))
	<-entered

	m.Stop()
	require.Nil(t, m.ActiveWarning())

	// Let the orphaned tick finish its analysis: its stale snapshot must
	// neither resurrect a warning nor reach the backend.
	unblock()
	time.Sleep(50 * time.Millisecond)
	assert.Nil(t, m.ActiveWarning())
	assert.Zero(t, recorder.count())
}

func TestClearFramesReportNothing(t *testing.T) {
	clock := newLockedClock()
	source := &stubSource{frame: testFrame()}
	recorder := &reportRecorder{}
	m := newTestMonitor(t, clock, source, recorder, nil)

	require.NoError(t, m.Start(context.Background()))

	// Plenty of clear ticks: NONE events stay local, nothing goes to the
	// backend and no warning is displayed.
	time.Sleep(100 * time.Millisecond)
	m.Stop()

	assert.Zero(t, recorder.count())
	assert.Nil(t, m.ActiveWarning())
}
