package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/cache"
	"github.com/KrizPB/buhdi-node-sub000/internal/vault"
	"github.com/KrizPB/buhdi-node-sub000/pkg/skill"
)

type stubVault struct {
	values     map[string]string
	getErr     error
	setErr     error
	gotAllowed []string
	setCalls   map[string]string
}

func (s *stubVault) Get(_ context.Context, _, key string, allowed []string) (string, error) {
	s.gotAllowed = allowed
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return "", errors.New("no such secret")
	}
	return v, nil
}

func (s *stubVault) Set(_ context.Context, _, key, value string) error {
	if s.setErr != nil {
		return s.setErr
	}
	if s.setCalls == nil {
		s.setCalls = map[string]string{}
	}
	s.setCalls[key] = value
	return nil
}

func (s *stubVault) Delete(context.Context, string, string) error { return nil }
func (s *stubVault) List(context.Context, string) ([]string, error) {
	return nil, nil
}
func (s *stubVault) DeleteAll(context.Context, string) error { return nil }
func (s *stubVault) Close() error                            { return nil }

var _ vault.Store = (*stubVault)(nil)

func hostManifest(name string, perms skill.Permissions) *skill.Manifest {
	return &skill.Manifest{
		Name:        name,
		Version:     "1.0.0",
		Runtime:     skill.Runtime,
		Type:        skill.TypeTool,
		Entry:       "tool.wasm",
		Permissions: perms,
		Resources: skill.Resources{
			MaxMemoryMB: 128,
			TimeoutMS:   30_000,
			MaxDiskMB:   10,
		},
		Config: map[string]any{"units": "metric"},
	}
}

func newHost(t *testing.T, perms skill.Permissions) *HostServices {
	t.Helper()
	return NewHostServices(hostManifest("weather-skill", perms), t.TempDir())
}

func dispatchOK(t *testing.T, h *HostServices, fn, args string) map[string]any {
	t.Helper()
	out, err := h.Dispatch(context.Background(), fn, []byte(args))
	if err != nil {
		t.Fatalf("%s: %v", fn, err)
	}
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("unmarshal %s result %q: %v", fn, out, err)
	}
	return m
}

func TestDispatchConfigGet(t *testing.T) {
	h := newHost(t, skill.Permissions{})

	got := dispatchOK(t, h, "config_get", `{"key":"units"}`)
	if got["value"] != "metric" {
		t.Errorf("value = %v, want metric", got["value"])
	}

	missing := dispatchOK(t, h, "config_get", `{"key":"absent"}`)
	if missing["value"] != nil {
		t.Errorf("missing key value = %v, want null", missing["value"])
	}
}

func TestDispatchReport(t *testing.T) {
	h := newHost(t, skill.Permissions{})
	var captured json.RawMessage
	h.Report = func(data json.RawMessage) { captured = data }

	dispatchOK(t, h, "report", `{"temperature":21.5}`)
	if string(captured) != `{"temperature":21.5}` {
		t.Errorf("captured = %s", captured)
	}
}

func TestDispatchUnknownCapability(t *testing.T) {
	h := newHost(t, skill.Permissions{})
	_, err := h.Dispatch(context.Background(), "spawn_process", []byte("{}"))
	if err == nil || !strings.Contains(err.Error(), "unknown capability") {
		t.Errorf("err = %v, want unknown capability", err)
	}
}

func TestDispatchFilesystemRequiresPermission(t *testing.T) {
	h := newHost(t, skill.Permissions{}) // no filesystem grant

	for _, fn := range []string{"fs_read", "fs_write", "fs_list", "fs_delete"} {
		_, err := h.Dispatch(context.Background(), fn, []byte(`{"path":"x.txt"}`))
		if !errors.Is(err, errNoFilesystem) {
			t.Errorf("%s without grant = %v, want errNoFilesystem", fn, err)
		}
	}
}

func TestDispatchFilesystemRoundTrip(t *testing.T) {
	h := newHost(t, skill.Permissions{Filesystem: []string{"data"}})

	dispatchOK(t, h, "fs_write", `{"path":"out/result.txt","data":"aGVsbG8="}`)

	var read struct {
		Data []byte `json:"data"`
	}
	out, err := h.Dispatch(context.Background(), "fs_read", []byte(`{"path":"out/result.txt"}`))
	if err != nil {
		t.Fatalf("fs_read: %v", err)
	}
	if err := json.Unmarshal(out, &read); err != nil {
		t.Fatal(err)
	}
	if string(read.Data) != "hello" {
		t.Errorf("read = %q, want hello", read.Data)
	}

	list := dispatchOK(t, h, "fs_list", `{"path":""}`)
	entries, _ := list["entries"].([]any)
	if len(entries) != 1 || entries[0] != "out/" {
		t.Errorf("entries = %v, want [out/]", list["entries"])
	}

	dispatchOK(t, h, "fs_delete", `{"path":"out/result.txt"}`)
	if _, err := h.Dispatch(context.Background(), "fs_read", []byte(`{"path":"out/result.txt"}`)); err == nil {
		t.Error("fs_read after delete should fail")
	}
}

func TestDispatchFilesystemTraversalDenied(t *testing.T) {
	h := newHost(t, skill.Permissions{Filesystem: []string{"data"}})
	_, err := h.Dispatch(context.Background(), "fs_read", []byte(`{"path":"../../etc/passwd"}`))
	if !errors.Is(err, errOutsideData) {
		t.Errorf("traversal = %v, want errOutsideData", err)
	}
}

func TestDispatchVaultGetNeverErrors(t *testing.T) {
	h := newHost(t, skill.Permissions{Vault: []string{"api_key"}})

	// Malformed args, missing store, store failure, unknown key: all of
	// them surface as a null value, never as an error the guest can
	// distinguish.
	cases := []struct {
		name  string
		setup func()
		args  string
	}{
		{"malformed args", func() { h.Vault = &stubVault{} }, `{"key":`},
		{"nil store", func() { h.Vault = nil }, `{"key":"api_key"}`},
		{"store failure", func() { h.Vault = &stubVault{getErr: errors.New("locked")} }, `{"key":"api_key"}`},
		{"unknown key", func() { h.Vault = &stubVault{} }, `{"key":"api_key"}`},
	}
	for _, tc := range cases {
		tc.setup()
		got := dispatchOK(t, h, "vault_get", tc.args)
		if got["value"] != nil {
			t.Errorf("%s: value = %v, want null", tc.name, got["value"])
		}
	}

	sv := &stubVault{values: map[string]string{"api_key": "s3cr3t"}}
	h.Vault = sv
	got := dispatchOK(t, h, "vault_get", `{"key":"api_key"}`)
	if got["value"] != "s3cr3t" {
		t.Errorf("value = %v, want s3cr3t", got["value"])
	}
	if len(sv.gotAllowed) != 1 || sv.gotAllowed[0] != "api_key" {
		t.Errorf("allowed list passed to store = %v", sv.gotAllowed)
	}
}

func TestDispatchVaultSet(t *testing.T) {
	h := newHost(t, skill.Permissions{Vault: []string{"api_key"}})
	sv := &stubVault{}
	h.Vault = sv

	dispatchOK(t, h, "vault_set", `{"key":"api_key","value":"new"}`)
	if sv.setCalls["api_key"] != "new" {
		t.Errorf("setCalls = %v", sv.setCalls)
	}

	_, err := h.Dispatch(context.Background(), "vault_set", []byte(`{"key":"other_key","value":"x"}`))
	if !errors.Is(err, errVaultDenied) {
		t.Errorf("unlisted key = %v, want errVaultDenied", err)
	}

	// A storage failure must not reveal anything beyond a generic error.
	h.Vault = &stubVault{setErr: errors.New("disk corrupt at page 7")}
	_, err = h.Dispatch(context.Background(), "vault_set", []byte(`{"key":"api_key","value":"x"}`))
	if err == nil || err.Error() != "vault error" {
		t.Errorf("storage failure = %v, want generic vault error", err)
	}
}

func TestDispatchDataOwnNamespace(t *testing.T) {
	h := newHost(t, skill.Permissions{})
	h.Exchange = cache.NewMemory()

	dispatchOK(t, h, "data_set", `{"key":"reading","value":{"temp":20}}`)

	got := dispatchOK(t, h, "data_get", `{"key":"reading"}`)
	value, _ := got["value"].(map[string]any)
	if value["temp"] != float64(20) {
		t.Errorf("value = %v", got["value"])
	}

	missing := dispatchOK(t, h, "data_get", `{"key":"absent"}`)
	if missing["value"] != nil {
		t.Errorf("missing = %v, want null", missing["value"])
	}
}

func TestDispatchDataReadGrants(t *testing.T) {
	mem := cache.NewMemory()
	if err := mem.SetData(context.Background(), "sensor-skill", "reading", json.RawMessage(`42`)); err != nil {
		t.Fatal(err)
	}

	denied := newHost(t, skill.Permissions{})
	denied.Exchange = mem
	_, err := denied.Dispatch(context.Background(), "data_get", []byte(`{"skill":"sensor-skill","key":"reading"}`))
	if !errors.Is(err, errNoReadGrant) {
		t.Errorf("without grant = %v, want errNoReadGrant", err)
	}

	granted := newHost(t, skill.Permissions{Read: []string{"sensor-skill"}})
	granted.Exchange = mem
	got := dispatchOK(t, granted, "data_get", `{"skill":"sensor-skill","key":"reading"}`)
	if got["value"] != float64(42) {
		t.Errorf("with grant = %v, want 42", got["value"])
	}
}

func TestDispatchDataEmitUsesOwnIdentity(t *testing.T) {
	mem := cache.NewMemory()
	events, cancel := mem.Subscribe(1)
	defer cancel()

	h := newHost(t, skill.Permissions{})
	h.Exchange = mem

	// The guest cannot spoof the emitting skill; identity is fixed by
	// the sandbox.
	dispatchOK(t, h, "data_emit", `{"event":"updated","payload":{"skill":"impostor"}}`)

	select {
	case ev := <-events:
		if ev.Skill != "weather-skill" {
			t.Errorf("event skill = %q, want weather-skill", ev.Skill)
		}
		if ev.Name != "updated" {
			t.Errorf("event name = %q", ev.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestDispatchFetchRateLimited(t *testing.T) {
	h := newHost(t, skill.Permissions{Network: []string{"*"}})

	// Exhaust the window up front so no real connection is attempted.
	for i := 0; i < fetchPerMinute; i++ {
		h.Limiter.Allow("http_fetch", fetchPerMinute, time.Minute)
	}

	_, err := h.Dispatch(context.Background(), "http_fetch", []byte(`{"url":"https://example.com/"}`))
	if !errors.Is(err, errRateLimited) {
		t.Errorf("err = %v, want errRateLimited", err)
	}
}

func TestOutcomeClassification(t *testing.T) {
	if got := outcomeFor(nil); got != "ok" {
		t.Errorf("nil = %q", got)
	}
	if got := outcomeFor(errNoReadGrant); got != "denied" {
		t.Errorf("read grant = %q", got)
	}
	if got := outcomeFor(errRateLimited); got != "denied" {
		t.Errorf("rate limit = %q", got)
	}
	if got := outcomeFor(errors.New("boom")); got != "error" {
		t.Errorf("other = %q", got)
	}
}
