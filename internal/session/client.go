package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/smartcampus/proctor/internal/model"
)

// Client talks to the exam backend's student API. The server is the
// authority on attempt state; the client never invents timestamps or
// verdicts of its own.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
}

// NewClient creates a backend client. token is set after Login.
func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: baseURL,
	}
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	return c.token
}

// envelope mirrors the backend response shape.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// APIError is a structured backend rejection.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend error %s: %s", e.Code, e.Message)
}

type loginResponse struct {
	Token   string        `json:"token"`
	Student model.Student `json:"student"`
}

// Login authenticates the student and stores the session token for
// subsequent calls.
func (c *Client) Login(ctx context.Context, studentNumber, password string) (*model.Student, error) {
	var out loginResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/student/login", model.StudentLoginRequest{
		StudentNumber: studentNumber,
		Password:      password,
	}, &out)
	if err != nil {
		return nil, err
	}
	c.token = out.Token
	return &out.Student, nil
}

// GetQuiz fetches the student-facing quiz detail (no answer keys).
func (c *Client) GetQuiz(ctx context.Context, quizID uuid.UUID) (*model.QuizDetail, error) {
	var out model.QuizDetail
	path := fmt.Sprintf("/api/v1/quizzes/%s", quizID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartAttempt starts (or resumes) the student's attempt on a quiz and
// returns its authoritative state, including the original start timestamp.
func (c *Client) StartAttempt(ctx context.Context, quizID uuid.UUID) (*model.AttemptState, error) {
	var out model.AttemptState
	path := fmt.Sprintf("/api/v1/quizzes/%s/start", quizID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetState fetches the resumable attempt state.
func (c *Client) GetState(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error) {
	var out model.AttemptState
	path := fmt.Sprintf("/api/v1/quizzes/attempts/%s/state", attemptID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit uploads the answer set. final=false is a save-and-exit snapshot;
// final=true grades and closes the attempt.
func (c *Client) Submit(ctx context.Context, attemptID uuid.UUID, answers []model.SubmittedAnswer, final bool) (*model.SubmitAttemptResponse, error) {
	var out model.SubmitAttemptResponse
	path := fmt.Sprintf("/api/v1/quizzes/attempts/%s/submit", attemptID)
	err := c.do(ctx, http.MethodPost, path, model.SubmitAttemptRequest{
		Answers: answers,
		Final:   final,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call backend: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Error != nil {
		return &APIError{Code: env.Error.Code, Message: env.Error.Message}
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
	}
	return nil
}
