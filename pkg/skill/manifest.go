// Package skill defines the manifest contract between the buhdi control
// plane, skill authors, and the node.
//
// A skill is a WebAssembly module plus a manifest describing its identity,
// entry point, requested capabilities, and resource envelope. Manifests are
// untrusted input: everything that enters the node goes through
// ValidateManifest, and nothing downstream ever sees a manifest that did not
// come out of it.
package skill

// Runtime is the only execution backend the node supports.
const Runtime = "wasm"

// Skill types. Tools are invoked by the agent; dashboard skills additionally
// publish data for the operator UI.
const (
	TypeTool      = "tool"
	TypeDashboard = "dashboard"
)

// Hard ceilings applied to every manifest regardless of what it requests.
const (
	MaxTimeoutMS  = 300_000
	MaxMemoryMB   = 512
	MaxDiskMB     = 500
	MaxCPUPercent = 100
)

// Defaults used when a manifest omits a resource value.
const (
	DefaultTimeoutMS  = 30_000
	DefaultMemoryMB   = 128
	DefaultDiskMB     = 100
	DefaultCPUPercent = 50
)

// Manifest is the validated descriptor of one skill. Immutable once produced
// by ValidateManifest.
type Manifest struct {
	Name        string         `yaml:"name"                  json:"name"`
	Version     string         `yaml:"version"               json:"version"`
	Runtime     string         `yaml:"runtime"               json:"runtime"` // always "wasm"
	Type        string         `yaml:"type"                  json:"type"`    // "tool" or "dashboard"
	Entry       string         `yaml:"entry"                 json:"entry"`   // relative path to the .wasm file
	Permissions Permissions    `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Resources   Resources      `yaml:"resources,omitempty"   json:"resources,omitempty"`
	Schedule    string         `yaml:"schedule,omitempty"    json:"schedule,omitempty"` // cron expression
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string         `yaml:"author,omitempty"      json:"author,omitempty"`
	Config      map[string]any `yaml:"config,omitempty"      json:"config,omitempty"` // frozen copy exposed to the guest
}

// Permissions lists requested capabilities by category. Only these seven
// categories exist; a manifest naming any other category fails validation.
type Permissions struct {
	Network    []string `yaml:"network,omitempty"    json:"network,omitempty"`    // host patterns: exact, *.suffix, or *
	Filesystem []string `yaml:"filesystem,omitempty" json:"filesystem,omitempty"` // non-empty enables the fs bridge
	Vault      []string `yaml:"vault,omitempty"      json:"vault,omitempty"`      // secret keys, or *
	Env        []string `yaml:"env,omitempty"        json:"env,omitempty"`
	System     []string `yaml:"system,omitempty"     json:"system,omitempty"`
	Schedule   []string `yaml:"schedule,omitempty"   json:"schedule,omitempty"` // non-empty enables cron triggers
	Read       []string `yaml:"read,omitempty"       json:"read,omitempty"`     // other skill names, exact match only
}

// Resources is the requested execution envelope. ValidateManifest fills in
// defaults and clamps every field to the package ceilings.
type Resources struct {
	MaxMemoryMB   int `yaml:"maxMemoryMb,omitempty"   json:"maxMemoryMb,omitempty"`
	MaxCPUPercent int `yaml:"maxCpuPercent,omitempty" json:"maxCpuPercent,omitempty"`
	TimeoutMS     int `yaml:"timeoutMs,omitempty"     json:"timeoutMs,omitempty"`
	MaxDiskMB     int `yaml:"maxDiskMb,omitempty"     json:"maxDiskMb,omitempty"`
}

// AllowsVault reports whether the manifest grants access to a vault key.
// A literal "*" entry grants every key.
func (p Permissions) AllowsVault(key string) bool {
	for _, k := range p.Vault {
		if k == "*" || k == key {
			return true
		}
	}
	return false
}

// AllowsRead reports whether the manifest grants reading another skill's
// dashboard data. Exact name match only; there is no read wildcard.
func (p Permissions) AllowsRead(target string) bool {
	for _, t := range p.Read {
		if t == target {
			return true
		}
	}
	return false
}

// FilesystemEnabled reports whether the fs bridge is available at all.
// Confinement to the skill's data directory applies regardless.
func (p Permissions) FilesystemEnabled() bool {
	return len(p.Filesystem) > 0
}

// ScheduleEnabled reports whether the skill may register cron triggers.
func (p Permissions) ScheduleEnabled() bool {
	return len(p.Schedule) > 0
}

// FrozenConfig returns a deep copy of the manifest config for handing to the
// guest. Mutations by the caller never reach the manifest.
func (m *Manifest) FrozenConfig() map[string]any {
	if m.Config == nil {
		return map[string]any{}
	}
	return deepCopyMap(m.Config)
}

func deepCopyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = deepCopyValue(e)
		}
		return cp
	default:
		return v
	}
}
