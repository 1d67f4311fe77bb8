package node

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KrizPB/buhdi-node-sub000/internal/signing"
	"github.com/KrizPB/buhdi-node-sub000/internal/trust"
)

func packBundle(t *testing.T, manifest, code []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	mw, err := zw.Create("manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mw.Write(manifest); err != nil {
		t.Fatal(err)
	}
	cw, err := zw.Create("tool.wasm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := cw.Write(code); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// updateServer serves a fake control plane. The updates func receives the
// server's own base URL so fixtures can point bundle URLs back at it.
func updateServer(t *testing.T, updates func(base string, r *http.Request) []RemoteUpdate, bundleBody []byte, bundleHits *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/updates", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"updates": updates(srv.URL, r)})
	})
	mux.HandleFunc("/bundle", func(w http.ResponseWriter, r *http.Request) {
		if bundleHits != nil {
			bundleHits.Add(1)
		}
		w.Write(bundleBody)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestUpdateCheckerAppliesUpdate(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))

	code := []byte("wasm bytes for weather-skill@1.1.0")
	const nonce = "f00d"
	archive := packBundle(t, manifestJSON(t, "weather-skill", "1.1.0", nil), code)

	var gotListing atomic.Value
	srv := updateServer(t, func(base string, r *http.Request) []RemoteUpdate {
		var req struct {
			Skills []struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"skills"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotListing.Store(req.Skills)
		return []RemoteUpdate{{
			Name:      "weather-skill",
			Version:   "1.1.0",
			BundleURL: base + "/bundle",
			SHA256:    signing.CodeHash(code),
			CodeHash:  signing.BundleHash(code, nonce),
			Nonce:     nonce,
		}}
	}, archive, nil)

	chk := NewUpdateChecker(e.mgr, srv.URL,
		WithUpdateLogger(testLogger()),
		WithUpdateHTTPClient(srv.Client()))

	if err := chk.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}

	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.1.0" || info.Status != SkillRunning {
		t.Errorf("after update check: %+v", info)
	}
	skills, _ := gotListing.Load().([]struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	})
	if len(skills) != 1 || skills[0].Name != "weather-skill" || skills[0].Version != "1.0.0" {
		t.Errorf("listing request carried %+v", skills)
	}
}

func TestUpdateCheckerRefusesDigestMismatch(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.0.0", nil))

	code := []byte("wasm bytes for weather-skill@1.1.0")
	const nonce = "f00d"
	archive := packBundle(t, manifestJSON(t, "weather-skill", "1.1.0", nil), code)

	srv := updateServer(t, func(base string, _ *http.Request) []RemoteUpdate {
		return []RemoteUpdate{{
			Name:      "weather-skill",
			Version:   "1.1.0",
			BundleURL: base + "/bundle",
			SHA256:    signing.CodeHash([]byte("something else entirely")),
			CodeHash:  signing.BundleHash(code, nonce),
			Nonce:     nonce,
		}}
	}, archive, nil)

	chk := NewUpdateChecker(e.mgr, srv.URL,
		WithUpdateLogger(testLogger()),
		WithUpdateHTTPClient(srv.Client()))

	chk.CheckOnce(ctx)

	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.0.0" {
		t.Errorf("tampered bundle was installed: %+v", info)
	}
}

func TestUpdateCheckerSkipsCurrentAndOlder(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	ctx := context.Background()
	e.mgr.Deploy(ctx, deployCmd(t, "weather-skill", "1.1.0", nil))

	var bundleHits atomic.Int32
	srv := updateServer(t, func(base string, _ *http.Request) []RemoteUpdate {
		return []RemoteUpdate{
			{Name: "weather-skill", Version: "1.1.0", BundleURL: base + "/bundle"},
			{Name: "weather-skill", Version: "1.0.2", BundleURL: base + "/bundle"},
			{Name: "ghost-skill", Version: "2.0.0", BundleURL: base + "/bundle"},
		}
	}, []byte("unused"), &bundleHits)

	chk := NewUpdateChecker(e.mgr, srv.URL,
		WithUpdateLogger(testLogger()),
		WithUpdateHTTPClient(srv.Client()))

	if err := chk.CheckOnce(ctx); err != nil {
		t.Fatalf("CheckOnce: %v", err)
	}
	if n := bundleHits.Load(); n != 0 {
		t.Errorf("bundle fetched %d times for non-updates", n)
	}
	info, _ := e.mgr.Get("weather-skill")
	if info.Version != "1.1.0" {
		t.Errorf("version changed to %s", info.Version)
	}
}

func TestUpdateCheckerRunStopsOnCancel(t *testing.T) {
	e := newEnv(t, trust.Peacock)
	srv := updateServer(t, func(string, *http.Request) []RemoteUpdate { return nil }, nil, nil)

	chk := NewUpdateChecker(e.mgr, srv.URL,
		WithUpdateLogger(testLogger()),
		WithUpdateHTTPClient(srv.Client()),
		WithCheckInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		chk.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}
