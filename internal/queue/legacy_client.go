package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/VeylanSolmira/crucible-eval-platform-sub007/internal/core"
)

// LegacyClient speaks the legacy queue's HTTP surface, so dispatchers in
// other processes can consume it through the same Producer/Consumer
// contract as the primary queue.
type LegacyClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLegacyClient points at a legacy queue service.
func NewLegacyClient(baseURL string) *LegacyClient {
	return &LegacyClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 90 * time.Second}, // above the 60s long-poll cap
	}
}

// Enqueue POSTs the envelope to /tasks.
func (c *LegacyClient) Enqueue(ctx context.Context, env *core.TaskEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("legacy enqueue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("legacy enqueue: status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Depth is not exposed by the legacy surface; report zero so the router's
// depth-shift knob never counts the legacy side.
func (c *LegacyClient) Depth(context.Context) (int64, error) {
	return 0, nil
}

// Reserve GETs /tasks/next without long-polling.
func (c *LegacyClient) Reserve(ctx context.Context) (*Delivery, error) {
	return c.reserve(ctx, 0)
}

// ReserveWait long-polls /tasks/next.
func (c *LegacyClient) ReserveWait(ctx context.Context, wait time.Duration) (*Delivery, error) {
	return c.reserve(ctx, wait)
}

func (c *LegacyClient) reserve(ctx context.Context, wait time.Duration) (*Delivery, error) {
	endpoint := c.baseURL + "/tasks/next"
	if wait > 0 {
		endpoint += "?wait=" + fmt.Sprintf("%d", int(wait/time.Second))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("legacy reserve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("legacy reserve: status %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		Receipt  string             `json:"receipt"`
		Envelope *core.TaskEnvelope `json:"envelope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("legacy reserve: decode: %w", err)
	}
	return &Delivery{Envelope: payload.Envelope, Receipt: payload.Receipt, Queue: NameLegacy}, nil
}

// Ack POSTs /tasks/{id}/complete.
func (c *LegacyClient) Ack(ctx context.Context, d *Delivery) error {
	return c.post(ctx, d, "complete")
}

// Nack POSTs /tasks/{id}/fail.
func (c *LegacyClient) Nack(ctx context.Context, d *Delivery, _ string) error {
	return c.post(ctx, d, "fail")
}

// Release maps to fail on the legacy surface; there is no delayed requeue.
func (c *LegacyClient) Release(ctx context.Context, d *Delivery, _ time.Duration) error {
	return c.post(ctx, d, "fail")
}

func (c *LegacyClient) post(ctx context.Context, d *Delivery, action string) error {
	endpoint := fmt.Sprintf("%s/tasks/%s/%s?receipt=%s",
		c.baseURL, url.PathEscape(d.Envelope.EvaluationID), action, url.QueryEscape(d.Receipt))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("legacy %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("legacy %s: status %d: %s", action, resp.StatusCode, body)
	}
	return nil
}

var (
	_ Producer = (*LegacyClient)(nil)
	_ Consumer = (*LegacyClient)(nil)
)
