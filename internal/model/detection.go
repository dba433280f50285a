package model

// GazeDirection is the coarse gaze classification derived from head pose.
type GazeDirection string

const (
	GazeCenter GazeDirection = "center"
	GazeLeft   GazeDirection = "left"
	GazeRight  GazeDirection = "right"
	GazeUp     GazeDirection = "up"
	GazeDown   GazeDirection = "down"
)

// MaxViolationWeight caps the aggregate violation weight of a single frame.
const MaxViolationWeight = 5.0

// HeadPose holds the estimated head rotation in degrees.
type HeadPose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
}

// SuspiciousObject is a single detected object with its model confidence.
type SuspiciousObject struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// DetectionSnapshot is the normalized result of analyzing one camera frame.
// It lives for exactly one sampling tick: produced by the analyzer,
// consumed by the classifier, then discarded.
type DetectionSnapshot struct {
	FaceCount         int
	HeadPose          *HeadPose
	Gaze              GazeDirection
	SuspiciousObjects []SuspiciousObject
	ViolationWeight   float64

	// ObjectDetectionRan records whether this frame was analyzed with the
	// heavier object-detection pass. CHEATING_OBJECT may only be cleared
	// by a frame where this is true.
	ObjectDetectionRan bool

	// Degraded marks snapshots produced by the local fallback detector,
	// which cannot assess gaze, pose or objects.
	Degraded bool
}
