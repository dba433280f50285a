package proctor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smartcampus/proctor/internal/model"
)

// Backend codes for reports against a closed attempt. Treated as a benign
// race, not an error.
const (
	errCodeAttemptFinished  = "ATTEMPT_FINISHED"
	errCodeAttemptCancelled = "ATTEMPT_CANCELLED"
)

// Reporter relays classifier events to the server-authoritative attempt
// record and surfaces its verdict. Transport errors are logged and absorbed:
// only an explicit cancelled verdict ends the session, and the next tick
// re-reports a persisting condition anyway.
type Reporter struct {
	client    *http.Client
	baseURL   string
	token     string
	attemptID uuid.UUID
	finished  atomic.Bool
	log       zerolog.Logger
}

// NewReporter creates a Reporter for one attempt.
func NewReporter(baseURL, token string, attemptID uuid.UUID, log zerolog.Logger) *Reporter {
	return &Reporter{
		client:    &http.Client{Timeout: 10 * time.Second},
		baseURL:   baseURL,
		token:     token,
		attemptID: attemptID,
		log:       log.With().Str("component", "reporter").Str("attempt_id", attemptID.String()).Logger(),
	}
}

// Finished reports whether the server has told us the attempt is closed.
func (r *Reporter) Finished() bool {
	return r.finished.Load()
}

// reportEnvelope is the backend response envelope, trimmed to what the
// reporter needs.
type reportEnvelope struct {
	Data  *model.Verdict `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Report sends one violation event. Returns the verdict, or nil when the
// report was suppressed or absorbed (finished session, transport failure,
// server error).
func (r *Reporter) Report(ctx context.Context, ev Event) *model.Verdict {
	if r.finished.Load() {
		return nil
	}

	verdict, err := r.post(ctx, ev)
	if err != nil {
		r.log.Warn().Err(err).
			Str("violation_type", string(ev.Category)).
			Msg("Violation report failed, continuing")
		return nil
	}
	return verdict
}

func (r *Reporter) post(ctx context.Context, ev Event) (*model.Verdict, error) {
	body, err := json.Marshal(model.ReportViolationRequest{
		ViolationType: ev.Category,
		Details:       ev.Details,
		ShouldCancel:  ev.ShouldCancel,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/quizzes/attempts/%s/violations", r.baseURL, r.attemptID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send report: %w", err)
	}
	defer resp.Body.Close()

	var envelope reportEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}

	if envelope.Error != nil {
		switch envelope.Error.Code {
		case errCodeAttemptFinished, errCodeAttemptCancelled:
			// The attempt closed under us (submit/timeout/cancellation
			// racing a report). Go quiet: no retry, no duplicate warning.
			r.finished.Store(true)
			r.log.Info().Str("code", envelope.Error.Code).Msg("Attempt already closed server-side, suppressing further reports")
			return nil, nil
		}
		return nil, fmt.Errorf("server rejected report: %s", envelope.Error.Code)
	}

	if envelope.Data == nil {
		return nil, fmt.Errorf("empty verdict in response")
	}
	return envelope.Data, nil
}
