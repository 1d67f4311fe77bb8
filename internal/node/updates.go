package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/KrizPB/buhdi-node-sub000/internal/bundle"
	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

const (
	DefaultCheckInterval = 30 * time.Minute

	maxUpdateListing = 1 << 20   // 1 MiB
	maxUpdateBundle  = 128 << 20 // matches the bundle code cap
)

// RemoteUpdate is one entry in the control plane's updates listing. SHA256
// claims the digest of the bundled code; the node recomputes it locally
// before anything is handed to the deploy pipeline.
type RemoteUpdate struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	BundleURL string `json:"bundleUrl"`
	SHA256    string `json:"sha256"`
	Signature string `json:"signature,omitempty"`
	CodeHash  string `json:"codeHash,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
}

// UpdateChecker periodically compares installed skills against the remote
// updates listing and feeds newer versions through the deploy pipeline.
type UpdateChecker struct {
	manager  *Manager
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	interval time.Duration
	logger   *slog.Logger
}

// UpdateOption configures an UpdateChecker.
type UpdateOption func(*UpdateChecker)

// WithCheckInterval overrides the polling interval.
func WithCheckInterval(d time.Duration) UpdateOption {
	return func(u *UpdateChecker) { u.interval = d }
}

// WithUpdateHTTPClient replaces the HTTP client.
func WithUpdateHTTPClient(c *http.Client) UpdateOption {
	return func(u *UpdateChecker) { u.client = c }
}

// WithUpdateLogger sets the checker logger.
func WithUpdateLogger(l *slog.Logger) UpdateOption {
	return func(u *UpdateChecker) { u.logger = l.With("component", "updates") }
}

// NewUpdateChecker builds a checker against the control plane's updates
// endpoint. An empty endpoint disables checking.
func NewUpdateChecker(manager *Manager, endpoint string, opts ...UpdateOption) *UpdateChecker {
	u := &UpdateChecker{
		manager:  manager,
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 2 * time.Minute},
		interval: DefaultCheckInterval,
		logger:   slog.Default().With("component", "updates"),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "update-check",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
	})
	return u
}

// Run polls until ctx is cancelled.
func (u *UpdateChecker) Run(ctx context.Context) {
	if u.endpoint == "" {
		return
	}
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.CheckOnce(ctx); err != nil {
				u.logger.Warn("update check failed", "error", err)
			}
		}
	}
}

// CheckOnce fetches the remote listing and applies any newer versions.
func (u *UpdateChecker) CheckOnce(ctx context.Context) error {
	if u.endpoint == "" {
		return nil
	}
	installed := u.manager.List()
	if len(installed) == 0 {
		return nil
	}

	updates, err := u.fetchListing(ctx, installed)
	if err != nil {
		return err
	}

	for _, update := range updates {
		if err := u.applyUpdate(ctx, update); err != nil {
			u.logger.Warn("update not applied", "skill", update.Name, "version", update.Version, "error", err)
		}
	}
	return nil
}

func (u *UpdateChecker) fetchListing(ctx context.Context, installed []SkillInfo) ([]RemoteUpdate, error) {
	type installedSkill struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	payload := struct {
		Skills []installedSkill `json:"skills"`
	}{}
	for _, info := range installed {
		payload.Skills = append(payload.Skills, installedSkill{Name: info.Name, Version: info.Version})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	out, err := u.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			u.endpoint+"/v1/updates", strings.NewReader(string(body)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := u.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("updates endpoint returned %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxUpdateListing))
		if err != nil {
			return nil, err
		}
		var listing struct {
			Updates []RemoteUpdate `json:"updates"`
		}
		if err := json.Unmarshal(data, &listing); err != nil {
			return nil, fmt.Errorf("decoding updates listing: %w", err)
		}
		return listing.Updates, nil
	})
	if err != nil {
		return nil, err
	}
	return out.([]RemoteUpdate), nil
}

func (u *UpdateChecker) applyUpdate(ctx context.Context, update RemoteUpdate) error {
	current, ok := u.manager.Get(update.Name)
	if !ok {
		return fmt.Errorf("skill %q not installed", update.Name)
	}
	if skill.CompareVersions(update.Version, current.Version) <= 0 {
		return nil
	}

	data, err := u.download(ctx, update.BundleURL)
	if err != nil {
		return fmt.Errorf("downloading bundle: %w", err)
	}
	b, err := bundle.Parse(data)
	if err != nil {
		return fmt.Errorf("parsing bundle: %w", err)
	}

	// The remote-claimed digest is never trusted on its own.
	if got := signing.CodeHash(b.Code); got != update.SHA256 {
		u.logger.Error("bundle digest mismatch, refusing update",
			"skill", update.Name, "version", update.Version,
			"claimed", update.SHA256, "computed", got)
		return fmt.Errorf("bundle digest mismatch for %s@%s", update.Name, update.Version)
	}

	u.logger.Info("applying remote update", "skill", update.Name,
		"from", current.Version, "to", update.Version)
	result := u.manager.Deploy(ctx, DeployCommand{
		Manifest:    b.RawManifest,
		Code:        b.Code,
		Signature:   update.Signature,
		CodeHash:    update.CodeHash,
		Nonce:       update.Nonce,
		InitiatedBy: "update-checker",
	})
	if result.Status == StatusError || result.Status == StatusRejected {
		return fmt.Errorf("deploy finished %s: %s", result.Status, strings.Join(result.Reasons, "; "))
	}
	return nil
}

func (u *UpdateChecker) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bundle download returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxUpdateBundle))
}
