package skill

import (
	"strings"
	"testing"
)

func validManifestJSON() string {
	return `{
		"name": "weather-skill",
		"version": "1.0.0",
		"runtime": "wasm",
		"type": "tool",
		"entry": "weather.wasm",
		"permissions": {"network": ["api.weather.example"], "vault": ["weather_api_key"]},
		"resources": {"maxMemoryMb": 64, "timeoutMs": 5000}
	}`
}

func TestValidateManifestAccepted(t *testing.T) {
	m, errs := ValidateManifest([]byte(validManifestJSON()))
	if len(errs) > 0 {
		t.Fatalf("expected valid manifest, got errors: %v", errs)
	}
	if m == nil {
		t.Fatal("expected manifest, got nil")
	}
	if m.Name != "weather-skill" || m.Version != "1.0.0" {
		t.Errorf("unexpected identity: %s %s", m.Name, m.Version)
	}
	if m.Resources.MaxMemoryMB != 64 {
		t.Errorf("requested memory not preserved: %d", m.Resources.MaxMemoryMB)
	}
	if m.Resources.MaxDiskMB != DefaultDiskMB {
		t.Errorf("omitted disk not defaulted: %d", m.Resources.MaxDiskMB)
	}
	if m.Resources.MaxCPUPercent != DefaultCPUPercent {
		t.Errorf("omitted cpu not defaulted: %d", m.Resources.MaxCPUPercent)
	}
}

func TestValidateManifestMissingFields(t *testing.T) {
	m, errs := ValidateManifest([]byte(`{"name": "x-skill"}`))
	if m != nil {
		t.Fatal("expected nil manifest on validation failure")
	}
	if len(errs) < 4 {
		t.Fatalf("expected one error per missing field, got %v", errs)
	}
	for _, want := range []string{"version", "runtime", "type", "entry"} {
		found := false
		for _, e := range errs {
			if strings.Contains(e, "missing required field: "+want) {
				found = true
			}
		}
		if !found {
			t.Errorf("no error names missing field %q: %v", want, errs)
		}
	}
}

func TestValidateManifestCollectsAllErrors(t *testing.T) {
	doc := `{
		"name": "Bad Name!",
		"version": "one.two",
		"runtime": "jvm",
		"type": "gadget",
		"entry": "/abs/path.wasm"
	}`
	m, errs := ValidateManifest([]byte(doc))
	if m != nil {
		t.Fatal("expected nil manifest")
	}
	if len(errs) < 5 {
		t.Fatalf("expected errors for name, version, runtime, type and entry, got %v", errs)
	}
}

func TestValidateManifestNonObject(t *testing.T) {
	for _, doc := range []string{`[]`, `"skill"`, `42`, `null`} {
		m, errs := ValidateManifest([]byte(doc))
		if m != nil {
			t.Fatalf("%s: expected nil manifest", doc)
		}
		if len(errs) != 1 {
			t.Fatalf("%s: non-object input must short-circuit with one error, got %v", doc, errs)
		}
	}
}

func TestValidateManifestEntryTraversal(t *testing.T) {
	cases := []string{
		"../../etc/passwd",
		"..\\..\\windows\\system32",
		"sub/../../escape.wasm",
		"/etc/passwd",
		"C:\\plugins\\evil.wasm",
		"./entry.wasm",
		"dir//entry.wasm",
	}
	for _, entry := range cases {
		t.Run(entry, func(t *testing.T) {
			doc := `{"name":"a","version":"1.0.0","runtime":"wasm","type":"tool","entry":` + quote(entry) + `}`
			m, errs := ValidateManifest([]byte(doc))
			if m != nil {
				t.Fatalf("entry %q accepted", entry)
			}
			if len(errs) == 0 {
				t.Fatalf("entry %q produced no error", entry)
			}
		})
	}

	// A nested relative path is fine.
	doc := `{"name":"a","version":"1.0.0","runtime":"wasm","type":"tool","entry":"dist/skill.wasm"}`
	if m, errs := ValidateManifest([]byte(doc)); m == nil {
		t.Fatalf("nested relative entry rejected: %v", errs)
	}
}

func TestValidateManifestClampsResources(t *testing.T) {
	doc := `{
		"name": "greedy", "version": "1.0.0", "runtime": "wasm", "type": "tool", "entry": "a.wasm",
		"resources": {"maxMemoryMb": 4096, "maxCpuPercent": 400, "timeoutMs": 10000000, "maxDiskMb": 9000}
	}`
	m, errs := ValidateManifest([]byte(doc))
	if m == nil {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if m.Resources.TimeoutMS != MaxTimeoutMS {
		t.Errorf("timeout: got %d, want %d", m.Resources.TimeoutMS, MaxTimeoutMS)
	}
	if m.Resources.MaxMemoryMB != MaxMemoryMB {
		t.Errorf("memory: got %d, want %d", m.Resources.MaxMemoryMB, MaxMemoryMB)
	}
	if m.Resources.MaxDiskMB != MaxDiskMB {
		t.Errorf("disk: got %d, want %d", m.Resources.MaxDiskMB, MaxDiskMB)
	}
	if m.Resources.MaxCPUPercent != MaxCPUPercent {
		t.Errorf("cpu: got %d, want %d", m.Resources.MaxCPUPercent, MaxCPUPercent)
	}
}

func TestValidateManifestNegativeResources(t *testing.T) {
	doc := `{
		"name": "neg", "version": "1.0.0", "runtime": "wasm", "type": "tool", "entry": "a.wasm",
		"resources": {"timeoutMs": -1}
	}`
	if m, errs := ValidateManifest([]byte(doc)); m != nil || len(errs) == 0 {
		t.Fatalf("negative timeout accepted: m=%v errs=%v", m, errs)
	}
}

func TestValidateManifestUnknownPermissionCategory(t *testing.T) {
	doc := `{
		"name": "p", "version": "1.0.0", "runtime": "wasm", "type": "tool", "entry": "a.wasm",
		"permissions": {"exec": ["rm"]}
	}`
	m, errs := ValidateManifest([]byte(doc))
	if m != nil {
		t.Fatal("unknown permission category accepted")
	}
	found := false
	for _, e := range errs {
		if strings.Contains(e, "unknown permission category: exec") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected unknown-category error, got %v", errs)
	}
}

func quote(s string) string {
	b := make([]byte, 0, len(s)+2)
	b = append(b, '"')
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' || s[i] == '"' {
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(append(b, '"'))
}
