package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type stubMonitor struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (m *stubMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return nil
}

func (m *stubMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
}

func (m *stubMonitor) stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops > 0
}

// fakeBackend emulates the attempt API surface the controller touches.
type fakeBackend struct {
	mu           sync.Mutex
	attemptID    uuid.UUID
	startedAt    time.Time
	durationMin  int
	savedAnswers map[string]string
	submissions  []model.SubmitAttemptRequest
}

func newFakeBackend(startedAt time.Time, durationMin int) *fakeBackend {
	return &fakeBackend{
		attemptID:   uuid.New(),
		startedAt:   startedAt,
		durationMin: durationMin,
	}
}

func (b *fakeBackend) finalSubmissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, s := range b.submissions {
		if s.Final {
			n++
		}
	}
	return n
}

func (b *fakeBackend) server(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/start"):
			b.mu.Lock()
			state := model.AttemptState{
				AttemptID:       b.attemptID,
				Status:          model.AttemptStatusInProgress,
				StartedAt:       b.startedAt,
				DurationMinutes: b.durationMin,
				SavedAnswers:    b.savedAnswers,
			}
			b.mu.Unlock()
			json.NewEncoder(w).Encode(map[string]any{"data": state})

		case strings.HasSuffix(r.URL.Path, "/submit"):
			var req model.SubmitAttemptRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			b.mu.Lock()
			b.submissions = append(b.submissions, req)
			b.mu.Unlock()

			resp := model.SubmitAttemptResponse{Status: model.AttemptStatusInProgress}
			if req.Final {
				score := 80.0
				resp = model.SubmitAttemptResponse{Status: model.AttemptStatusCompleted, FinalScore: &score}
			}
			json.NewEncoder(w).Encode(map[string]any{"data": resp})

		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "NOT_FOUND", "message": "not found"},
			})
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestController(t *testing.T, backend *fakeBackend, clock *fakeClock) (*Controller, *stubMonitor) {
	t.Helper()
	monitor := &stubMonitor{}
	client := NewClient(backend.server(t).URL)
	ctrl := NewController(client, monitor, clock.now, zerolog.Nop())
	return ctrl, monitor
}

func TestBeginResumesServerCountdown(t *testing.T) {
	clock := newFakeClock()
	// Attempt started 90 seconds ago on a 2-minute quiz.
	backend := newFakeBackend(clock.now().Add(-90*time.Second), 2)
	backend.savedAnswers = map[string]string{uuid.NewString(): "B"}
	ctrl, monitor := newTestController(t, backend, clock)

	state, err := ctrl.Begin(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, backend.attemptID, state.AttemptID)
	assert.Equal(t, 1, monitor.starts)

	// 30 seconds remain, not a fresh 2 minutes.
	assert.Equal(t, 30*time.Second, ctrl.Remaining())
	assert.Len(t, ctrl.Answers(), 1)

	clock.advance(31 * time.Second)
	assert.Equal(t, time.Duration(0), ctrl.Remaining())
}

func TestSubmitSendsAnswersOnce(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock.now(), 30)
	ctrl, monitor := newTestController(t, backend, clock)

	_, err := ctrl.Begin(context.Background(), uuid.New())
	require.NoError(t, err)

	q1, q2 := uuid.New(), uuid.New()
	ctrl.SetAnswer(q1, "A")
	ctrl.SetAnswer(q1, "C") // last write wins
	ctrl.SetAnswer(q2, "B")

	// Two racing submits: exactly one reaches the server.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ctrl.Submit(context.Background())
			results <- err
		}()
	}
	err1, err2 := <-results, <-results

	okCount, dupCount := 0, 0
	for _, err := range []error{err1, err2} {
		switch {
		case err == nil:
			okCount++
		case err == ErrAlreadySubmitted:
			dupCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, dupCount)
	assert.Equal(t, 1, backend.finalSubmissions())

	require.Len(t, backend.submissions, 1)
	sent := backend.submissions[0]
	assert.True(t, sent.Final)
	require.Len(t, sent.Answers, 2)
	options := map[uuid.UUID]string{}
	for _, a := range sent.Answers {
		options[a.QuestionID] = a.SelectedOption
	}
	assert.Equal(t, "C", options[q1])
	assert.Equal(t, "B", options[q2])

	// The session is over: further submits and answers are rejected.
	assert.False(t, ctrl.Active())
	_, err = ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotActive)
	ctrl.SetAnswer(uuid.New(), "D")
	assert.Len(t, ctrl.Answers(), 2)

	require.NotNil(t, ctrl.Result())
	require.NotNil(t, ctrl.Result().FinalScore)
	assert.Equal(t, 80.0, *ctrl.Result().FinalScore)

	assert.Eventually(t, monitor.stopped, time.Second, 10*time.Millisecond)
}

func TestSaveAndExitKeepsAttemptOpen(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock.now(), 30)
	ctrl, monitor := newTestController(t, backend, clock)

	_, err := ctrl.Begin(context.Background(), uuid.New())
	require.NoError(t, err)

	ctrl.SetAnswer(uuid.New(), "A")
	require.NoError(t, ctrl.SaveAndExit(context.Background()))

	require.Len(t, backend.submissions, 1)
	assert.False(t, backend.submissions[0].Final)
	assert.False(t, ctrl.Active())
	assert.Nil(t, ctrl.Result())
	assert.Eventually(t, monitor.stopped, time.Second, 10*time.Millisecond)
}

func TestHandleCancelledIsTerminal(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock.now(), 30)
	ctrl, monitor := newTestController(t, backend, clock)

	_, err := ctrl.Begin(context.Background(), uuid.New())
	require.NoError(t, err)

	ctrl.HandleCancelled("CAMERA_DISABLED")
	assert.False(t, ctrl.Active())
	assert.Eventually(t, monitor.stopped, time.Second, 10*time.Millisecond)

	// No submission happens for a cancelled attempt.
	_, err = ctrl.Submit(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Empty(t, backend.submissions)

	// Cancelling twice is harmless.
	ctrl.HandleCancelled("CAMERA_DISABLED")
}

func TestCountdownAutoSubmits(t *testing.T) {
	clock := newFakeClock()
	// Already out of time when the session resumes.
	backend := newFakeBackend(clock.now().Add(-10*time.Minute), 5)
	ctrl, _ := newTestController(t, backend, clock)

	_, err := ctrl.Begin(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), ctrl.Remaining())

	// The 1s countdown tick notices and finalizes on its own.
	assert.Eventually(t, func() bool {
		return backend.finalSubmissions() == 1 && !ctrl.Active()
	}, 3*time.Second, 50*time.Millisecond)
}

func TestBeginConcurrentCallsStartOnce(t *testing.T) {
	clock := newFakeClock()
	attemptID := uuid.New()
	// A slow start response keeps the first Begin in flight long enough for
	// the second to race it.
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"data": model.AttemptState{
			AttemptID:       attemptID,
			Status:          model.AttemptStatusInProgress,
			StartedAt:       clock.now(),
			DurationMinutes: 30,
		}})
	}))
	defer slow.Close()

	monitor := &stubMonitor{}
	ctrl := NewController(NewClient(slow.URL), monitor, clock.now, zerolog.Nop())

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := ctrl.Begin(context.Background(), uuid.New())
			results <- err
		}()
	}
	err1, err2 := <-results, <-results

	okCount, rejectCount := 0, 0
	for _, err := range []error{err1, err2} {
		switch {
		case err == nil:
			okCount++
		case errors.Is(err, ErrSessionNotActive):
			rejectCount++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, rejectCount)
	assert.Equal(t, 1, monitor.starts, "monitoring must start exactly once")
	assert.True(t, ctrl.Active())
}

func TestBeginRejectsFinishedAttempt(t *testing.T) {
	clock := newFakeClock()
	backend := newFakeBackend(clock.now(), 30)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": model.AttemptState{
			AttemptID: backend.attemptID,
			Status:    model.AttemptStatusCancelled,
		}})
	}))
	defer server.Close()

	monitor := &stubMonitor{}
	ctrl := NewController(NewClient(server.URL), monitor, clock.now, zerolog.Nop())

	_, err := ctrl.Begin(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, 0, monitor.starts, "monitoring must not start for a dead attempt")
}
