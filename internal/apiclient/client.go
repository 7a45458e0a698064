// Package apiclient is the client side of the REST boundary: it replays queued
// operations, probes server health and fetches collections for recovery.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"waste-sync/internal/apperrors"
	"waste-sync/internal/domain"
	"waste-sync/internal/syncop"
)

const IdempotencyHeader = "Idempotency-Key"

// collection paths read by data recovery
var fetchPaths = map[string]string{
	"wasteHistory": "/api/waste-sales",
	"orders":       "/api/waste-sales",
	"stats":        "/api/stats",
	"reports":      "/api/reports",
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type Client struct {
	BaseURL    string
	AuthToken  string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:    baseURL,
		AuthToken:  token,
		HTTPClient: &http.Client{},
	}
}

// Execute sends op to its endpoint. The operation id doubles as the
// idempotency key so a replay after a lost response is answered from the
// server's record instead of being applied twice.
func (c *Client) Execute(ctx context.Context, op syncop.QueuedOperation) error {
	method := op.Kind.Method()
	if method == "" {
		return apperrors.Invalid(fmt.Sprintf("unknown operation kind %q", op.Kind))
	}

	var body []byte
	if op.Kind != syncop.KindDelete {
		body = op.Payload
	}

	_, err := c.do(ctx, method, op.Target.Endpoint, nil, body, map[string]string{
		IdempotencyHeader: op.ID,
	})
	return err
}

// Health succeeds only on a 2xx answer that reports database state.
func (c *Client) Health(ctx context.Context) error {
	data, err := c.do(ctx, http.MethodGet, "/api/health", nil, nil, nil)
	if err != nil {
		return err
	}

	var health map[string]any
	if err := json.Unmarshal(data, &health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}
	if _, ok := health["database"]; !ok {
		return fmt.Errorf("health response has no database state")
	}
	return nil
}

// Fetch reads one recoverable collection by its cache name.
func (c *Client) Fetch(ctx context.Context, field string) (json.RawMessage, error) {
	path, ok := fetchPaths[field]
	if !ok {
		return nil, apperrors.Invalid(fmt.Sprintf("unknown collection %q", field))
	}
	return c.do(ctx, http.MethodGet, path, nil, nil, nil)
}

// VerificationCode reads the code of a processed sale. Only its seller may.
func (c *Client) VerificationCode(ctx context.Context, transactionID string) (*domain.VerificationCodeResponse, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/waste-sales/"+url.PathEscape(transactionID)+"/verification-code", nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var out domain.VerificationCodeResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode verification code: %w", err)
	}
	return &out, nil
}

func (c *Client) Transaction(ctx context.Context, transactionID string) (*domain.WasteTransactionResponse, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/waste-sales/"+url.PathEscape(transactionID), nil, nil, nil)
	if err != nil {
		return nil, err
	}

	var out domain.WasteTransactionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return &out, nil
}

func (c *Client) buildURL(path string, query map[string]string) (string, error) {
	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeInvalid, "bad request url", err)
	}
	q := u.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body []byte, headers map[string]string) (json.RawMessage, error) {
	fullURL, err := c.buildURL(path, query)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalid, "bad request", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.AuthToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.AuthToken))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperrors.Transient(fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(fmt.Sprintf("reading %s %s", method, path), err)
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode >= 300 {
		msg := env.Error
		if decodeErr != nil || msg == "" {
			msg = string(raw)
		}
		return nil, &apperrors.HTTPError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	if decodeErr != nil {
		return nil, fmt.Errorf("failed to decode %s %s response: %w", method, path, decodeErr)
	}
	return env.Data, nil
}
