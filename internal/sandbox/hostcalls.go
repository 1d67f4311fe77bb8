package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/cache"
	"github.com/KrizPB/buhdi-node-sub000/internal/metrics"
	"github.com/KrizPB/buhdi-node-sub000/internal/vault"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

const fetchPerMinute = 60

var (
	errNoFilesystem = errors.New("filesystem permission not granted")
	errNoReadGrant  = errors.New("no read grant for target skill")
	errRateLimited  = errors.New("rate limit exceeded")
	errVaultDenied  = errors.New("access denied")
)

// HostServices is the complete capability surface a sandbox exposes to its
// guest. Every bridged call goes through Dispatch; nothing outside this
// switch is reachable from guest code.
type HostServices struct {
	Skill    string
	Manifest *skill.Manifest
	Config   map[string]any
	Report   func(data json.RawMessage)
	Console  func(level uint32, msg string)
	Fetcher  *Fetcher
	Files    *FileGuard
	Vault    vault.Store
	Exchange cache.Exchange
	Logger   *slog.Logger
	Metrics  *metrics.NodeMetrics
	Limiter  *RateLimiter
}

// NewHostServices builds the per-skill capability set from a validated
// manifest. Vault, Exchange, Report and Metrics are wired by the caller.
func NewHostServices(m *skill.Manifest, dataDir string) *HostServices {
	return &HostServices{
		Skill:    m.Name,
		Manifest: m,
		Config:   m.FrozenConfig(),
		Fetcher:  NewFetcher(NewNetPolicy(m.Permissions.Network)),
		Files:    NewFileGuard(dataDir, int64(m.Resources.MaxDiskMB)<<20),
		Logger:   slog.Default().With("component", "sandbox", "skill", m.Name),
		Limiter:  NewRateLimiter(),
	}
}

// Dispatch routes one guest capability call. The set of reachable
// capabilities is exactly the cases below.
func (h *HostServices) Dispatch(ctx context.Context, fn string, args []byte) ([]byte, error) {
	result, err := h.dispatch(ctx, fn, args)
	if h.Metrics != nil {
		h.Metrics.RecordHostCall(fn, outcomeFor(err))
	}
	return result, err
}

func (h *HostServices) dispatch(ctx context.Context, fn string, args []byte) ([]byte, error) {
	switch fn {
	case "config_get":
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		value, ok := h.Config[req.Key]
		if !ok {
			return json.Marshal(map[string]any{"value": nil})
		}
		return json.Marshal(map[string]any{"value": value})

	case "report":
		if h.Report != nil {
			data := append(json.RawMessage(nil), args...)
			h.Report(data)
		}
		return okResult()

	case "http_fetch":
		if !h.Limiter.Allow("http_fetch", fetchPerMinute, time.Minute) {
			return nil, errRateLimited
		}
		var req FetchRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		resp, err := h.Fetcher.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)

	case "fs_read":
		path, err := h.fsPath(args)
		if err != nil {
			return nil, err
		}
		data, err := h.Files.Read(path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string][]byte{"data": data})

	case "fs_write":
		if !h.Manifest.Permissions.FilesystemEnabled() {
			return nil, errNoFilesystem
		}
		var req struct {
			Path string `json:"path"`
			Data []byte `json:"data"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		if err := h.Files.Write(req.Path, req.Data); err != nil {
			return nil, err
		}
		return okResult()

	case "fs_list":
		path, err := h.fsPath(args)
		if err != nil {
			return nil, err
		}
		entries, err := h.Files.List(path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string][]string{"entries": entries})

	case "fs_delete":
		path, err := h.fsPath(args)
		if err != nil {
			return nil, err
		}
		if err := h.Files.Delete(path); err != nil {
			return nil, err
		}
		return okResult()

	case "vault_get":
		// Null on every failure, so a guest cannot probe which keys
		// exist or whether the store is reachable.
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nullValue()
		}
		if h.Vault == nil {
			return nullValue()
		}
		value, err := h.Vault.Get(ctx, h.Skill, req.Key, h.Manifest.Permissions.Vault)
		if err != nil {
			return nullValue()
		}
		return json.Marshal(map[string]string{"value": value})

	case "vault_set":
		var req struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errVaultDenied
		}
		if !h.Manifest.Permissions.AllowsVault(req.Key) {
			return nil, errVaultDenied
		}
		if h.Vault == nil {
			return nil, errors.New("vault error")
		}
		if err := h.Vault.Set(ctx, h.Skill, req.Key, req.Value); err != nil {
			return nil, errors.New("vault error")
		}
		return okResult()

	case "data_get":
		var req struct {
			Skill string `json:"skill,omitempty"`
			Key   string `json:"key"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		// The requester is always this sandbox; the target comes from
		// the args but access is decided by this skill's own grants.
		target := req.Skill
		if target == "" {
			target = h.Skill
		}
		if target != h.Skill && !h.Manifest.Permissions.AllowsRead(target) {
			return nil, errNoReadGrant
		}
		if h.Exchange == nil {
			return nullValue()
		}
		value, err := h.Exchange.GetData(ctx, target, req.Key)
		if errors.Is(err, cache.ErrNoData) {
			return nullValue()
		}
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]json.RawMessage{"value": value})

	case "data_set":
		var req struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		if h.Exchange == nil {
			return nil, errors.New("data exchange unavailable")
		}
		if err := h.Exchange.SetData(ctx, h.Skill, req.Key, req.Value); err != nil {
			return nil, err
		}
		return okResult()

	case "data_emit":
		var req struct {
			Event   string          `json:"event"`
			Payload json.RawMessage `json:"payload,omitempty"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, fmt.Errorf("invalid args: %w", err)
		}
		if h.Exchange == nil {
			return nil, errors.New("data exchange unavailable")
		}
		if err := h.Exchange.Emit(ctx, h.Skill, req.Event, req.Payload); err != nil {
			return nil, err
		}
		return okResult()

	default:
		return nil, fmt.Errorf("unknown capability: %s", fn)
	}
}

func (h *HostServices) fsPath(args []byte) (string, error) {
	if !h.Manifest.Permissions.FilesystemEnabled() {
		return "", errNoFilesystem
	}
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &req); err != nil {
		return "", fmt.Errorf("invalid args: %w", err)
	}
	return req.Path, nil
}

func okResult() ([]byte, error) {
	return []byte(`{"ok":true}`), nil
}

func nullValue() ([]byte, error) {
	return []byte(`{"value":null}`), nil
}

// outcomeFor classifies an error for metrics: policy refusals count as
// denied, everything else as error.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errSchemeDenied),
		errors.Is(err, errHostDenied),
		errors.Is(err, errNotAllowed),
		errors.Is(err, errOutsideData),
		errors.Is(err, errNoFilesystem),
		errors.Is(err, errNoReadGrant),
		errors.Is(err, errRateLimited),
		errors.Is(err, errVaultDenied):
		return "denied"
	default:
		return "error"
	}
}
