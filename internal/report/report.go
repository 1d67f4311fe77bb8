// Package report delivers node events to the control plane: deploy
// results, guest-originated reports, and audit batches. Delivery is
// best-effort; a dead upstream never blocks or fails a lifecycle
// operation.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/KrizPB/buhdi-node-sub000/internal/audit"
)

const postTimeout = 15 * time.Second

// Client posts events upstream. A Client with an empty endpoint is valid
// and drops everything, for nodes running detached from a control plane.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for upstream calls.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.client = client }
}

// WithToken sets the bearer token presented to the control plane.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithLogger sets the logger used for dropped deliveries.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger.With("component", "report") }
}

// New returns a Client posting to endpoint.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: postTimeout},
		logger:   slog.Default().With("component", "report"),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     "control-plane",
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
		}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeployResult forwards a deploy outcome upstream without waiting.
func (c *Client) DeployResult(result any) {
	c.detach("deploy-result", "/v1/deploy-results", result)
}

// SkillReport forwards data a running skill pushed through its bridge.
func (c *Client) SkillReport(skill string, data json.RawMessage) {
	c.detach("skill-report", "/v1/reports", map[string]any{
		"skill": skill,
		"data":  data,
		"at":    time.Now().UTC(),
	})
}

// UploadAudit ships a batch of audit entries. Unlike the detached send
// paths it reports failure, so the audit logger can re-queue the batch.
func (c *Client) UploadAudit(ctx context.Context, entries []audit.Entry) error {
	if c.endpoint == "" {
		return nil
	}
	return c.post(ctx, "/v1/audit", entries)
}

// Close waits briefly for in-flight deliveries.
func (c *Client) Close() {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("shutdown with deliveries still in flight")
	}
}

// detach runs one delivery in the background. Failures are logged and
// dropped.
func (c *Client) detach(kind, path string, payload any) {
	if c.endpoint == "" {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
		defer cancel()
		if err := c.post(ctx, path, payload); err != nil {
			c.logger.Warn("upstream delivery failed", "kind", kind, "error", err)
		}
	}()
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("control plane returned %s", resp.Status)
		}
		return nil, nil
	})
	return err
}
