package proctor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCounter struct {
	faces int
	calls int
}

func (s *stubCounter) CountFaces(frame []byte) int {
	s.calls++
	return s.faces
}

func testSample() *Sample {
	return &Sample{JPEG: []byte("not-a-real-jpeg"), WithObjectDetection: true}
}

func TestAnalyzeRemoteSuccess(t *testing.T) {
	var received analyzeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/proctor/analyze", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]any{
			"face_count":        1,
			"looking_away":      true,
			"looking_direction": "left",
			"head_pose":         map[string]float64{"yaw": -32.5, "pitch": 4.0, "roll": 1.5},
			"suspicious_objects": []map[string]any{
				{"label": "cell phone", "confidence": 0.91},
			},
			"total_violation_weight": 2.5,
		})
	}))
	defer server.Close()

	a := NewAnalyzer(server.URL, time.Second, 0.7, &stubCounter{}, zerolog.Nop())
	snap := a.Analyze(context.Background(), testSample())

	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("not-a-real-jpeg")), received.Image)
	assert.True(t, received.RunObjectDetection)
	assert.Equal(t, 0.7, received.ConfidenceThreshold)

	assert.Equal(t, 1, snap.FaceCount)
	assert.Equal(t, model.GazeLeft, snap.Gaze)
	require.NotNil(t, snap.HeadPose)
	assert.Equal(t, -32.5, snap.HeadPose.Yaw)
	require.Len(t, snap.SuspiciousObjects, 1)
	assert.Equal(t, "cell phone", snap.SuspiciousObjects[0].Label)
	assert.Equal(t, 2.5, snap.ViolationWeight)
	assert.True(t, snap.ObjectDetectionRan)
	assert.False(t, snap.Degraded)
}

func TestAnalyzeClampsOutOfContractValues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"face_count":             -2,
			"looking_direction":      "sideways",
			"looking_away":           false,
			"total_violation_weight": 99.0,
		})
	}))
	defer server.Close()

	a := NewAnalyzer(server.URL, time.Second, 0.6, &stubCounter{}, zerolog.Nop())
	snap := a.Analyze(context.Background(), testSample())

	assert.Equal(t, 0, snap.FaceCount)
	assert.Equal(t, model.GazeCenter, snap.Gaze)
	assert.Equal(t, model.MaxViolationWeight, snap.ViolationWeight)
}

func TestAnalyzeFallsBackOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fallback := &stubCounter{faces: 1}
	a := NewAnalyzer(server.URL, time.Second, 0.6, fallback, zerolog.Nop())
	snap := a.Analyze(context.Background(), testSample())

	assert.Equal(t, 1, fallback.calls)
	assert.Equal(t, 1, snap.FaceCount)
	assert.True(t, snap.Degraded)
	assert.False(t, snap.ObjectDetectionRan, "local fallback never runs object detection")
	assert.Equal(t, model.GazeCenter, snap.Gaze)
}

func TestAnalyzeFallsBackOnUnreachableService(t *testing.T) {
	// Nothing listens here.
	fallback := &stubCounter{faces: 0}
	a := NewAnalyzer("http://127.0.0.1:1", 200*time.Millisecond, 0.6, fallback, zerolog.Nop())
	snap := a.Analyze(context.Background(), testSample())

	assert.True(t, snap.Degraded)
	assert.Equal(t, 0, snap.FaceCount)
}

func TestAnalyzeFallsBackOnTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	fallback := &stubCounter{faces: 2}
	a := NewAnalyzer(server.URL, 100*time.Millisecond, 0.6, fallback, zerolog.Nop())
	snap := a.Analyze(context.Background(), testSample())

	assert.True(t, snap.Degraded)
	assert.Equal(t, 2, snap.FaceCount)
}
