package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/GoPolymarket/accountgate/internal/middleware"
	"github.com/GoPolymarket/accountgate/internal/model"
	"github.com/GoPolymarket/accountgate/internal/pkg/apperrors"
	"github.com/google/uuid"
)

// Client talks to the accountgate HTTP API.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response from the gate.
type APIError struct {
	Status int
	Body   apperrors.AppError
}

func (e *APIError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Body.Type, e.Body.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status))
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set(middleware.HeaderGatewayKey, c.APIKey)
	}
	if method == http.MethodPost {
		req.Header.Set(middleware.HeaderIdempotencyKey, uuid.NewString())
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, &apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) Validate(ctx context.Context, accountID string) (*model.Verdict, error) {
	var v model.Verdict
	if err := c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/validate", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) ValidateAll(ctx context.Context) (*model.BatchVerdictResponse, error) {
	var out model.BatchVerdictResponse
	if err := c.do(ctx, http.MethodPost, "/v1/accounts/validate-all", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckRateLimit(ctx context.Context, accountID, exchange string) (*model.RateLimitStatus, error) {
	q := url.Values{}
	if exchange != "" {
		q.Set("exchange", exchange)
	}
	var st model.RateLimitStatus
	if err := c.do(ctx, http.MethodPost, "/v1/accounts/"+url.PathEscape(accountID)+"/rate-limit/check", q, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) SecurityReport(ctx context.Context, accountID string) (*model.SecurityReport, error) {
	var r model.SecurityReport
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(accountID)+"/security-report", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Audit(ctx context.Context, accountID string, limit int) ([]*model.AuditRecord, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account", accountID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []*model.AuditRecord
	if err := c.do(ctx, http.MethodGet, "/v1/audit", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}
