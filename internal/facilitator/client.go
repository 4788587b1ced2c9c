package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/resilient"
	"github.com/tollgatehq/tollgate/internal/x402"
)

// Client calls a remote facilitator's /verify endpoint. The round trip is a
// fallible network call and runs under the client's own retry policy and
// breaker.
type Client struct {
	url string
	hc  *http.Client
	inv *resilient.Invoker
}

func NewClient(verifyURL string, opts resilient.Options, breaker *resilient.Breaker) *Client {
	base := opts.Retryable
	if base == nil {
		base = resilient.IsRetryable
	}
	opts.Retryable = func(err error) bool {
		var status *statusError
		if errors.As(err, &status) {
			return status.code >= http.StatusInternalServerError
		}
		return base(err)
	}
	return &Client{
		url: verifyURL,
		hc:  &http.Client{},
		inv: resilient.New(opts, breaker),
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.code, e.body)
}

// Verify posts the verification request and decodes the verdict. Known
// quote failures map back to their sentinels; 5xx responses and transport
// failures are retried and, once exhausted, surface as unavailable.
func (c *Client) Verify(ctx context.Context, req x402.VerificationRequest) (x402.VerificationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return x402.VerificationResponse{}, fmt.Errorf("marshal verification request: %w", err)
	}

	resp, err := resilient.Invoke(ctx, c.inv, func(ctx context.Context) (x402.VerificationResponse, error) {
		return c.post(ctx, body)
	})
	if err != nil {
		var status *statusError
		if errors.As(err, &status) {
			switch status.code {
			case http.StatusNotFound:
				return x402.VerificationResponse{}, quote.ErrQuoteNotFound
			case http.StatusBadRequest:
				return x402.VerificationResponse{}, quote.ErrQuoteExpired
			}
		}
		return x402.VerificationResponse{}, &resilient.Unavailable{Target: c.url, Err: err}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, body []byte) (x402.VerificationResponse, error) {
	var out x402.VerificationResponse

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, &statusError{code: resp.StatusCode, body: string(bytes.TrimSpace(msg))}
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode verification response: %w", err)
	}
	return out, nil
}
