package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fahmaliyi/keyvault/document"
)

// Request and response bodies of the recovery HTTP API.
type (
	RegisterRequest struct {
		SubjectID      string `json:"subject_id"`
		Name           string `json:"name"`
		DocumentNumber string `json:"document_number"`
		DOB            string `json:"dob,omitempty"`
		Gender         string `json:"gender,omitempty"`
		RecoveryKey    string `json:"recovery_key"`
	}

	VerifyRequest struct {
		SubjectID      string `json:"subject_id"`
		Name           string `json:"name"`
		DocumentNumber string `json:"document_number"`
		DOB            string `json:"dob,omitempty"`
	}

	AttemptsResponse struct {
		RemainingAttempts int `json:"remaining_attempts"`
	}

	ErrorResponse struct {
		Error string `json:"error"`
		Field string `json:"field,omitempty"`
	}
)

func (r RegisterRequest) Attributes() document.Attributes {
	return document.Attributes{Name: r.Name, DocumentNumber: r.DocumentNumber, DOB: r.DOB, Gender: r.Gender}
}

func (r VerifyRequest) Attributes() document.Attributes {
	return document.Attributes{Name: r.Name, DocumentNumber: r.DocumentNumber, DOB: r.DOB}
}

// Client calls a remote recovery server and maps its responses back to
// this package's error types.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

func (c *Client) Register(ctx context.Context, subjectID string, attrs document.Attributes, recoveryKey []byte) error {
	return c.post(ctx, "/api/recovery/register", RegisterRequest{
		SubjectID:      subjectID,
		Name:           attrs.Name,
		DocumentNumber: attrs.DocumentNumber,
		DOB:            attrs.DOB,
		Gender:         attrs.Gender,
		RecoveryKey:    string(recoveryKey),
	})
}

func (c *Client) Verify(ctx context.Context, subjectID string, attrs document.Attributes) error {
	return c.post(ctx, "/api/recovery/verify", VerifyRequest{
		SubjectID:      subjectID,
		Name:           attrs.Name,
		DocumentNumber: attrs.DocumentNumber,
		DOB:            attrs.DOB,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "recovery: calling server")
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusTooManyRequests:
		return &RateLimitedError{Remaining: remaining(raw)}
	case http.StatusUnauthorized:
		return &VerificationFailedError{Remaining: remaining(raw)}
	case http.StatusBadRequest:
		var e ErrorResponse
		_ = json.Unmarshal(raw, &e)
		return &InputValidationError{Field: e.Field}
	case http.StatusBadGateway:
		return ErrDelivery
	default:
		return errors.Errorf("recovery: server returned %s", resp.Status)
	}
}

func remaining(raw []byte) int {
	var a AttemptsResponse
	_ = json.Unmarshal(raw, &a)
	return a.RemainingAttempts
}
