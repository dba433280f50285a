package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func verdictService(cancelCap int) *AttemptService {
	return &AttemptService{cancelCap: cancelCap, log: zerolog.Nop()}
}

func TestDecideVerdictEscalationCancels(t *testing.T) {
	s := verdictService(10)
	v := s.decideVerdict(&model.ReportViolationRequest{
		ViolationType: model.ViolationNoFace,
		ShouldCancel:  true,
	}, 1)

	assert.True(t, v.Cancelled)
	assert.False(t, v.Warning)
	assert.Contains(t, v.Message, "NO_FACE")
}

func TestDecideVerdictBelowCapWarns(t *testing.T) {
	s := verdictService(10)
	v := s.decideVerdict(&model.ReportViolationRequest{
		ViolationType: model.ViolationLookingAway,
	}, 9)

	assert.False(t, v.Cancelled)
	assert.True(t, v.Warning)
}

func TestDecideVerdictCapReachedCancels(t *testing.T) {
	s := verdictService(10)
	v := s.decideVerdict(&model.ReportViolationRequest{
		ViolationType: model.ViolationLookingAway,
	}, 10)

	assert.True(t, v.Cancelled)
	assert.Contains(t, v.Message, "violation limit")
}

func TestDecideVerdictZeroCapDisablesLimit(t *testing.T) {
	s := verdictService(0)
	v := s.decideVerdict(&model.ReportViolationRequest{
		ViolationType: model.ViolationMultipleFaces,
	}, 500)

	assert.False(t, v.Cancelled)
	assert.True(t, v.Warning)
}

func TestTerminalErrorPerStatus(t *testing.T) {
	assert.NoError(t, terminalError(model.AttemptStatusInProgress))
	assert.ErrorIs(t, terminalError(model.AttemptStatusCompleted), ErrAttemptFinished)
	assert.ErrorIs(t, terminalError(model.AttemptStatusCancelled), ErrAttemptCancelled)
}

func TestBeginSubmitRejectsDuplicateFinalization(t *testing.T) {
	s := &AttemptService{submitting: make(map[uuid.UUID]struct{}), log: zerolog.Nop()}
	attemptID := uuid.New()

	require.True(t, s.beginSubmit(attemptID))
	assert.False(t, s.beginSubmit(attemptID), "second finalization while the first is in flight")

	// Other attempts are unaffected.
	assert.True(t, s.beginSubmit(uuid.New()))

	// Releasing the slot allows a retry after a failed grade.
	s.endSubmit(attemptID)
	assert.True(t, s.beginSubmit(attemptID))
}
