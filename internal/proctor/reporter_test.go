package proctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdictResponse(w http.ResponseWriter, verdict model.Verdict) {
	json.NewEncoder(w).Encode(map[string]any{"data": verdict})
}

func errorResponse(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"data":  nil,
		"error": map[string]string{"code": code, "message": code},
	})
}

func TestReportReturnsVerdict(t *testing.T) {
	attemptID := uuid.New()
	var got model.ReportViolationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, fmt.Sprintf("/api/v1/quizzes/attempts/%s/violations", attemptID), r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		verdictResponse(w, model.Verdict{Warning: true, Message: "Warning recorded"})
	}))
	defer server.Close()

	r := NewReporter(server.URL, "test-token", attemptID, zerolog.Nop())
	verdict := r.Report(context.Background(), Event{
		Category: model.ViolationNoFace,
		Details:  "no face detected in frame",
	})

	require.NotNil(t, verdict)
	assert.False(t, verdict.Cancelled)
	assert.True(t, verdict.Warning)
	assert.Equal(t, model.ViolationNoFace, got.ViolationType)
	assert.False(t, got.ShouldCancel)
}

func TestReportCancelledVerdict(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		verdictResponse(w, model.Verdict{Cancelled: true, Message: "Attempt cancelled"})
	}))
	defer server.Close()

	r := NewReporter(server.URL, "t", uuid.New(), zerolog.Nop())
	verdict := r.Report(context.Background(), Event{
		Category:     model.ViolationCameraDisabled,
		ShouldCancel: true,
	})

	require.NotNil(t, verdict)
	assert.True(t, verdict.Cancelled)
	assert.False(t, r.Finished())
}

func TestAttemptFinishedSuppressesFurtherReports(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		errorResponse(w, http.StatusConflict, "ATTEMPT_FINISHED")
	}))
	defer server.Close()

	r := NewReporter(server.URL, "t", uuid.New(), zerolog.Nop())

	verdict := r.Report(context.Background(), Event{Category: model.ViolationNoFace})
	assert.Nil(t, verdict)
	assert.True(t, r.Finished())

	// Subsequent reports never reach the wire.
	for i := 0; i < 3; i++ {
		verdict = r.Report(context.Background(), Event{Category: model.ViolationNoFace})
		assert.Nil(t, verdict)
	}
	assert.Equal(t, 1, calls)
}

func TestAttemptCancelledSuppressesFurtherReports(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		errorResponse(w, http.StatusConflict, "ATTEMPT_CANCELLED")
	}))
	defer server.Close()

	r := NewReporter(server.URL, "t", uuid.New(), zerolog.Nop())

	verdict := r.Report(context.Background(), Event{Category: model.ViolationNoFace})
	assert.Nil(t, verdict)
	assert.True(t, r.Finished())

	r.Report(context.Background(), Event{Category: model.ViolationNoFace})
	assert.Equal(t, 1, calls)
}

func TestTransportErrorIsAbsorbed(t *testing.T) {
	r := NewReporter("http://127.0.0.1:1", "t", uuid.New(), zerolog.Nop())

	verdict := r.Report(context.Background(), Event{Category: model.ViolationNoFace})
	assert.Nil(t, verdict)
	assert.False(t, r.Finished(), "a transport error must not silence the reporter")
}

func TestOtherServerErrorDoesNotSuppress(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		errorResponse(w, http.StatusNotFound, "ATTEMPT_NOT_FOUND")
	}))
	defer server.Close()

	r := NewReporter(server.URL, "t", uuid.New(), zerolog.Nop())
	r.Report(context.Background(), Event{Category: model.ViolationNoFace})
	r.Report(context.Background(), Event{Category: model.ViolationNoFace})

	assert.False(t, r.Finished())
	assert.Equal(t, 2, calls)
}
