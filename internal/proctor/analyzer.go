package proctor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
)

// DefaultConfidenceThreshold filters low-confidence object detections.
const DefaultConfidenceThreshold = 0.6

// Analyzer submits sampled frames to the remote inference service and
// normalizes its loosely-structured response into a DetectionSnapshot.
// On any transport failure it degrades to the local fallback detector
// instead of raising an error upward.
type Analyzer struct {
	client    *http.Client
	baseURL   string
	threshold float64
	fallback  FaceCounter
	log       zerolog.Logger
}

// NewAnalyzer creates an Analyzer. timeout bounds each inference call;
// fallback may not be nil — degraded operation is part of the contract.
func NewAnalyzer(baseURL string, timeout time.Duration, threshold float64, fallback FaceCounter, log zerolog.Logger) *Analyzer {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultConfidenceThreshold
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Analyzer{
		client:    &http.Client{Timeout: timeout},
		baseURL:   baseURL,
		threshold: threshold,
		fallback:  fallback,
		log:       log.With().Str("component", "analyzer").Logger(),
	}
}

// analyzeRequest is the inference service's request contract.
type analyzeRequest struct {
	Image               string  `json:"image"`
	RunObjectDetection  bool    `json:"run_object_detection"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// analyzeResponse mirrors the inference service's response contract. Treated
// as an external versioned payload: validated here, never propagated raw.
type analyzeResponse struct {
	FaceCount int `json:"face_count"`
	HeadPose  *struct {
		Yaw   float64 `json:"yaw"`
		Pitch float64 `json:"pitch"`
		Roll  float64 `json:"roll"`
	} `json:"head_pose"`
	LookingAway       bool   `json:"looking_away"`
	LookingDirection  string `json:"looking_direction"`
	SuspiciousObjects []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
	} `json:"suspicious_objects"`
	Violations           []string `json:"violations"`
	TotalViolationWeight float64  `json:"total_violation_weight"`
}

// Analyze classifies one encoded frame. Never returns an error for transient
// failures: the local fallback produces a degraded snapshot instead.
func (a *Analyzer) Analyze(ctx context.Context, sample *Sample) *model.DetectionSnapshot {
	snap, err := a.analyzeRemote(ctx, sample)
	if err != nil {
		a.log.Debug().Err(err).Msg("Remote analysis failed, using local fallback")
		return a.analyzeLocal(sample)
	}
	return snap
}

func (a *Analyzer) analyzeRemote(ctx context.Context, sample *Sample) (*model.DetectionSnapshot, error) {
	body, err := json.Marshal(analyzeRequest{
		Image:               base64.StdEncoding.EncodeToString(sample.JPEG),
		RunObjectDetection:  sample.WithObjectDetection,
		ConfidenceThreshold: a.threshold,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/proctor/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call inference service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("inference service returned status %d", resp.StatusCode)
	}

	var parsed analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return normalize(&parsed, sample.WithObjectDetection), nil
}

// normalize converts the external payload into a strongly-typed snapshot,
// clamping out-of-contract values at the boundary.
func normalize(raw *analyzeResponse, objectsRan bool) *model.DetectionSnapshot {
	snap := &model.DetectionSnapshot{
		FaceCount:          raw.FaceCount,
		Gaze:               normalizeGaze(raw.LookingDirection, raw.LookingAway),
		ViolationWeight:    raw.TotalViolationWeight,
		ObjectDetectionRan: objectsRan,
	}

	if snap.FaceCount < 0 {
		snap.FaceCount = 0
	}
	if snap.ViolationWeight > model.MaxViolationWeight {
		snap.ViolationWeight = model.MaxViolationWeight
	}
	if snap.ViolationWeight < 0 {
		snap.ViolationWeight = 0
	}

	if raw.HeadPose != nil {
		snap.HeadPose = &model.HeadPose{
			Yaw:   raw.HeadPose.Yaw,
			Pitch: raw.HeadPose.Pitch,
			Roll:  raw.HeadPose.Roll,
		}
	}

	for _, obj := range raw.SuspiciousObjects {
		if obj.Label == "" {
			continue
		}
		snap.SuspiciousObjects = append(snap.SuspiciousObjects, model.SuspiciousObject{
			Label:      obj.Label,
			Confidence: obj.Confidence,
		})
	}

	return snap
}

func normalizeGaze(direction string, lookingAway bool) model.GazeDirection {
	switch model.GazeDirection(direction) {
	case model.GazeCenter, model.GazeLeft, model.GazeRight, model.GazeUp, model.GazeDown:
		return model.GazeDirection(direction)
	}
	// Out-of-contract direction: trust the boolean only.
	if lookingAway {
		return model.GazeLeft
	}
	return model.GazeCenter
}

// analyzeLocal runs the on-device fallback. It can only assess face
// presence and multiplicity — gaze, pose and objects are unavailable.
func (a *Analyzer) analyzeLocal(sample *Sample) *model.DetectionSnapshot {
	faces := 0
	if a.fallback != nil {
		faces = a.fallback.CountFaces(sample.JPEG)
	}
	return &model.DetectionSnapshot{
		FaceCount: faces,
		Gaze:      model.GazeCenter,
		Degraded:  true,
		// Object detection never ran locally; an active CHEATING_OBJECT
		// warning must not be cleared by this snapshot.
		ObjectDetectionRan: false,
	}
}
