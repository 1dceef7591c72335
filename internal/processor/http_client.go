package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPClient talks JSON over HTTP to the processor. Requests carry an
// Idempotency-Key header where one is supplied so that a retried call cannot
// double-reserve or double-move funds on the processor side.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// HTTPClientOptions bound the client's retry behavior.
type HTTPClientOptions struct {
	Timeout        time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// NewHTTPClient builds a processor client with sane local defaults.
func NewHTTPClient(baseURL, apiKey string, opts HTTPClientOptions) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 500 * time.Millisecond
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:        baseURL,
		apiKey:         apiKey,
		httpClient:     &http.Client{Timeout: opts.Timeout},
		maxAttempts:    opts.MaxAttempts,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}
}

func (c *HTTPClient) EnsureCustomer(ctx context.Context, customerID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	body := map[string]string{"external_id": customerID}
	if err := c.do(ctx, "ensure_customer", http.MethodPost, "/v1/customers", "cust-"+customerID, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) CreateHold(ctx context.Context, req HoldRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, "create_hold", http.MethodPost, "/v1/holds", req.IdempotencyKey, req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) Capture(ctx context.Context, holdRef string) error {
	path := fmt.Sprintf("/v1/holds/%s/capture", holdRef)
	return c.do(ctx, "capture", http.MethodPost, path, "cap-"+holdRef, nil, nil)
}

func (c *HTTPClient) CancelHold(ctx context.Context, holdRef string) error {
	path := fmt.Sprintf("/v1/holds/%s/cancel", holdRef)
	return c.do(ctx, "cancel_hold", http.MethodPost, path, "void-"+holdRef, nil, nil)
}

func (c *HTTPClient) Refund(ctx context.Context, holdRef string, amountCents int64) error {
	path := fmt.Sprintf("/v1/holds/%s/refunds", holdRef)
	body := map[string]int64{"amount_cents": amountCents}
	key := fmt.Sprintf("ref-%s-%d", holdRef, amountCents)
	return c.do(ctx, "refund", http.MethodPost, path, key, body, nil)
}

// do runs one logical call with bounded retries. Only retryable failures
// (network errors, 5xx) are re-attempted; a decline comes back immediately.
func (c *HTTPClient) do(ctx context.Context, op, method, path, idemKey string, body, out any) error {
	var lastErr *Error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		err := c.once(ctx, op, method, path, idemKey, body, out)
		if err == nil {
			return nil
		}
		perr, ok := err.(*Error)
		if !ok {
			return err
		}
		if !perr.Retryable {
			return perr
		}
		lastErr = perr
		if attempt == c.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return &Error{Op: op, Code: "canceled", Retryable: false, Cause: ctx.Err()}
		case <-time.After(backoffWithJitter(c.backoffInitial, c.backoffMax, attempt)):
		}
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, op, method, path, idemKey string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", op, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Op: op, Code: "network", Retryable: true, Cause: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Op: op, Code: "bad_response", Retryable: false, Cause: err}
		}
		return nil
	case resp.StatusCode >= 500:
		return &Error{Op: op, Code: fmt.Sprintf("http_%d", resp.StatusCode), Retryable: true}
	default:
		// 4xx: declines and invalid requests are terminal.
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Op: op, Code: declineCode(resp.StatusCode, raw), Retryable: false}
	}
}

func declineCode(status int, body []byte) string {
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Code != "" {
		return payload.Code
	}
	if status == http.StatusPaymentRequired {
		return "declined"
	}
	return fmt.Sprintf("http_%d", status)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
