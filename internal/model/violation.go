package model

import (
	"time"

	"github.com/google/uuid"
)

// ViolationCategory enumerates the conditions the proctoring pipeline can flag.
type ViolationCategory string

const (
	ViolationNoFace         ViolationCategory = "NO_FACE"
	ViolationMultipleFaces  ViolationCategory = "MULTIPLE_FACES"
	ViolationCameraDisabled ViolationCategory = "CAMERA_DISABLED"
	ViolationCheatingObject ViolationCategory = "CHEATING_OBJECT"
	ViolationLookingAway    ViolationCategory = "LOOKING_AWAY"

	// ViolationNone is the all-clear sentinel. It clears any active warning
	// display but never undoes a server-side cancellation.
	ViolationNone ViolationCategory = "NONE"
)

// DisplayPriority orders concurrent warnings on a single UI surface.
// Lower value wins. NONE sorts last.
func (v ViolationCategory) DisplayPriority() int {
	switch v {
	case ViolationCameraDisabled:
		return 0
	case ViolationNoFace:
		return 1
	case ViolationMultipleFaces:
		return 2
	case ViolationCheatingObject:
		return 3
	case ViolationLookingAway:
		return 4
	default:
		return 5
	}
}

// ViolationRecord is one persisted violation report on an attempt.
type ViolationRecord struct {
	ID            int64             `json:"id"`
	AttemptID     uuid.UUID         `json:"attempt_id"`
	ViolationType ViolationCategory `json:"violation_type"`
	Details       string            `json:"details"`
	ShouldCancel  bool              `json:"should_cancel"`
	RecordedAt    time.Time         `json:"recorded_at"`
}

// ReportViolationRequest is the payload for reporting a violation on an attempt.
type ReportViolationRequest struct {
	ViolationType ViolationCategory `json:"violationType" binding:"required"`
	Details       string            `json:"details" binding:"max=500"`
	ShouldCancel  bool              `json:"shouldCancel"`
}

// Verdict is the server-authoritative answer to a violation report.
type Verdict struct {
	Cancelled bool   `json:"cancelled"`
	Warning   bool   `json:"warning"`
	Message   string `json:"message"`
}
