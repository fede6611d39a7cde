package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Client is the provider-facing surface the session layer depends on. The
// production implementation talks to a WhatsApp-gateway REST API; tests use
// in-memory fakes.
type Client interface {
	// Connect starts (or resumes) pairing for an instance. When the instance
	// still has valid provider-side credentials the result reports
	// AlreadyPaired and no QR payload is issued.
	Connect(ctx context.Context, instanceID string) (ConnectResult, error)
	// SendText delivers a text message and returns the provider message id.
	SendText(ctx context.Context, instanceID, to, body string) (string, error)
	// Logout releases the provider-side resources of an instance.
	Logout(ctx context.Context, instanceID string) error
}

type ConnectResult struct {
	QRPayload     string `json:"qrPayload"`
	AlreadyPaired bool   `json:"paired"`
	Address       string `json:"address"`
}

// ErrNotConnected is returned when the provider rejects an operation because
// the instance has no live connection (HTTP 409).
var ErrNotConnected = errors.New("instance not connected")

type HTTPClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
}

func (c *HTTPClient) Connect(ctx context.Context, instanceID string) (ConnectResult, error) {
	var out ConnectResult
	if err := c.post(ctx, "/v1/instances/"+instanceID+"/connect", nil, &out); err != nil {
		return ConnectResult{}, err
	}
	return out, nil
}

func (c *HTTPClient) SendText(ctx context.Context, instanceID, to, body string) (string, error) {
	var out sendResponse
	err := c.post(ctx, "/v1/instances/"+instanceID+"/messages", sendRequest{To: to, Body: body}, &out)
	if err != nil {
		return "", err
	}
	return out.MessageID, nil
}

func (c *HTTPClient) Logout(ctx context.Context, instanceID string) error {
	return c.post(ctx, "/v1/instances/"+instanceID+"/logout", nil, nil)
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out any) error {
	var payload io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(b)
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusConflict {
		return callError{err: ErrNotConnected, httpStatus: resp.StatusCode, raw: b}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(b, &e)
		msg := e.Message
		if msg == "" {
			msg = "provider request failed"
		}
		return callError{err: errors.New(msg), httpStatus: resp.StatusCode, raw: b}
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return err
		}
	}
	return nil
}

type callError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e callError) Error() string { return e.err.Error() }
func (e callError) Unwrap() error { return e.err }

// HTTPStatus extracts the provider HTTP status from an error, if present.
func HTTPStatus(err error) int {
	var ce callError
	if errors.As(err, &ce) {
		return ce.httpStatus
	}
	return 0
}
