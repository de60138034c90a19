// Package sdk is the Go client for the Crucible evaluation platform.
//
// Quick Start:
//
//	client := sdk.NewClient(sdk.Config{
//	    BaseURL: "https://crucible.yourcompany.com",
//	    APIKey:  os.Getenv("CRUCIBLE_API_KEY"),
//	})
//
//	result, err := client.Submit(ctx, &sdk.SubmitRequest{
//	    Code:     "print('hello')",
//	    Language: "python",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ev, err := client.Wait(ctx, result.EvalID)
//	fmt.Println(ev.Status, ev.Output)
package sdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the Crucible API endpoint (required).
	// Examples: "https://crucible.yourcompany.com", "http://localhost:8080"
	BaseURL string

	// APIKey authenticates and rate-limits requests. Optional in
	// development; submissions without a key share a per-IP budget.
	APIKey string

	// Timeout bounds individual API calls (default 30s). Wait and Stream
	// are bounded by their context, not this timeout.
	Timeout time.Duration

	// PollInterval is the Wait polling cadence (default 2s).
	PollInterval time.Duration

	// HTTPClient overrides the default client, e.g. for tracing.
	HTTPClient *http.Client
}

// Client talks to the Crucible API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// APIError is a non-2xx response from the platform.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crucible: %s (HTTP %d)", e.Message, e.StatusCode)
}

// NewClient creates a Crucible client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{config: cfg, httpClient: httpClient}
}

// Submit sends one evaluation. A 200 response (as opposed to 202) means the
// Idempotency-Key matched an earlier submission; Replayed is set.
func (c *Client) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("crucible: marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, "/eval", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("crucible: submit failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("crucible: parse response: %w", err)
	}
	result.Replayed = resp.StatusCode == http.StatusOK
	return &result, nil
}

// Get fetches one evaluation.
func (c *Client) Get(ctx context.Context, evalID string) (*Evaluation, error) {
	var ev Evaluation
	if err := c.getJSON(ctx, "/eval/"+url.PathEscape(evalID), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Events fetches the full audit trail of one evaluation.
func (c *Client) Events(ctx context.Context, evalID string) ([]*Event, error) {
	var body struct {
		Events []*Event `json:"events"`
	}
	if err := c.getJSON(ctx, "/eval/"+url.PathEscape(evalID)+"/events", &body); err != nil {
		return nil, err
	}
	return body.Events, nil
}

// List pages evaluations. An empty NextCursor means the last page.
func (c *Client) List(ctx context.Context, params ListParams) (*ListResult, error) {
	q := url.Values{}
	if params.Status != "" {
		q.Set("status", params.Status)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}
	path := "/evaluations"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var result ListResult
	if err := c.getJSON(ctx, path, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Wait polls until the evaluation reaches a terminal state or ctx expires.
func (c *Client) Wait(ctx context.Context, evalID string) (*Evaluation, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		ev, err := c.Get(ctx, evalID)
		if err != nil {
			// Transient API failures should not abort a long wait.
			if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
				return nil, err
			}
		} else if ev.Terminal() {
			return ev, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stream subscribes to the live event stream. evalID narrows the stream to
// one evaluation; pass "" for the firehose. The channel closes when ctx
// expires or the connection drops.
func (c *Client) Stream(ctx context.Context, evalID string) (<-chan *StreamEvent, error) {
	path := "/events"
	if evalID != "" {
		path += "?eval_id=" + url.QueryEscape(evalID)
	}
	httpReq, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// Streaming must not inherit the per-call timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("crucible: stream connect failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}

	ch := make(chan *StreamEvent, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue // event:/id: lines and heartbeat comments
			}
			var ev StreamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case ch <- &ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.config.BaseURL, "/")+path, body)
	if err != nil {
		return nil, fmt.Errorf("crucible: build request: %w", err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("X-API-Key", c.config.APIKey)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("crucible: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("crucible: parse response: %w", err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
