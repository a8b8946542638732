package relaychat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type NetworkClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPNetworkClient talks to the distribution-network node: publish and
// forget records, and answer cache lookups for the peer fetch path.
// Transient failures (429 and 5xx) are retried with bounded exponential
// backoff, honoring Retry-After when given.
type HTTPNetworkClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPNetworkClient(opts NetworkClientOptions) *HTTPNetworkClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8765"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPNetworkClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

type publishRequest struct {
	EnvelopeID string         `json:"envelopeId"`
	Ref        string         `json:"ref"`
	Contents   map[string]any `json:"contents"`
	Timestamp  string         `json:"timestamp"`
}

type forgetRequest struct {
	EnvelopeID string `json:"envelopeId"`
	Ref        string `json:"ref"`
	Timestamp  string `json:"timestamp"`
}

type lookupRequest struct {
	Refs []string `json:"refs"`
}

type lookupResponse struct {
	Records  []Record `json:"records"`
	NotFound []string `json:"notFound"`
}

func (c *HTTPNetworkClient) Publish(ctx context.Context, rec Record) error {
	if err := rec.Ref.Validate(); err != nil {
		return err
	}
	req := publishRequest{
		EnvelopeID: uuid.NewString(),
		Ref:        rec.Ref.String(),
		Contents:   rec.Contents,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.doWrite(ctx, "/v1/records/publish", req)
}

func (c *HTTPNetworkClient) Forget(ctx context.Context, ref EntityRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	req := forgetRequest{
		EnvelopeID: uuid.NewString(),
		Ref:        ref.String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	return c.doWrite(ctx, "/v1/records/forget", req)
}

func (c *HTTPNetworkClient) Lookup(ctx context.Context, refs []EntityRef) ([]Record, []EntityRef, error) {
	req := lookupRequest{Refs: make([]string, 0, len(refs))}
	for _, ref := range refs {
		req.Refs = append(req.Refs, ref.String())
	}
	body, err := c.roundTrip(ctx, "/v1/records/lookup", req)
	if err != nil {
		return nil, nil, err
	}
	var resp lookupResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, err
	}
	missing := make([]EntityRef, 0, len(resp.NotFound))
	for _, raw := range resp.NotFound {
		ref, parseErr := ParseEntityRef(raw)
		if parseErr != nil {
			return nil, nil, parseErr
		}
		missing = append(missing, ref)
	}
	return resp.Records, missing, nil
}

func (c *HTTPNetworkClient) doWrite(ctx context.Context, path string, payload any) error {
	_, err := c.roundTrip(ctx, path, payload)
	return err
}

func (c *HTTPNetworkClient) roundTrip(ctx context.Context, path string, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("network client is nil")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, err
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return respBody, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}

		message := strings.TrimSpace(string(respBody))
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
			message = parsed.Message
		}
		if parsed.Code != "" {
			return nil, fmt.Errorf("network write failed: status=%d code=%s message=%s", resp.StatusCode, parsed.Code, message)
		}
		return nil, fmt.Errorf("network write failed: status=%d message=%s", resp.StatusCode, message)
	}
}

func (c *HTTPNetworkClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	retryAfterHeader = strings.TrimSpace(retryAfterHeader)
	if retryAfterHeader != "" {
		if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
			if retryAfter > c.maxDelay {
				return c.maxDelay
			}
			return retryAfter
		}
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}
