package skill

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var (
	namePattern   = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	semverPattern = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(?:-[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?(?:\+[0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*)?$`)
	drivePattern  = regexp.MustCompile(`^[A-Za-z]:`)
)

// manifestSchema is the structural layer of validation: required fields,
// value types, and the closed set of permission categories. Patterns, ranges,
// and clamping live in the semantic pass below so the error strings stay
// specific.
const manifestSchema = `{
  "type": "object",
  "required": ["name", "version", "runtime", "type", "entry"],
  "properties": {
    "name":        {"type": "string"},
    "version":     {"type": "string"},
    "runtime":     {"type": "string"},
    "type":        {"type": "string"},
    "entry":       {"type": "string"},
    "schedule":    {"type": "string"},
    "description": {"type": "string"},
    "author":      {"type": "string"},
    "config":      {"type": "object"},
    "permissions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "network":    {"type": "array", "items": {"type": "string"}},
        "filesystem": {"type": "array", "items": {"type": "string"}},
        "vault":      {"type": "array", "items": {"type": "string"}},
        "env":        {"type": "array", "items": {"type": "string"}},
        "system":     {"type": "array", "items": {"type": "string"}},
        "schedule":   {"type": "array", "items": {"type": "string"}},
        "read":       {"type": "array", "items": {"type": "string"}}
      }
    },
    "resources": {
      "type": "object",
      "properties": {
        "maxMemoryMb":   {"type": "integer"},
        "maxCpuPercent": {"type": "integer"},
        "timeoutMs":     {"type": "integer"},
        "maxDiskMb":     {"type": "integer"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ValidateManifest parses an untrusted manifest document and returns either a
// normalized manifest with resources defaulted and clamped, or the full list
// of validation errors. It never returns a partial manifest: the first return
// is nil whenever the second is non-empty.
//
// Validation collects every error it can find rather than stopping at the
// first, with one exception: input that is not a JSON object short-circuits
// immediately.
func ValidateManifest(raw []byte) (*Manifest, []string) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, []string{fmt.Sprintf("manifest is not valid JSON: %v", err)}
	}
	if _, ok := probe.(map[string]any); !ok {
		return nil, []string{"manifest must be a JSON object"}
	}

	var errs []string

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, []string{fmt.Sprintf("manifest schema check failed: %v", err)}
	}
	for _, e := range result.Errors() {
		errs = append(errs, describeSchemaError(e))
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		// Type mismatches are already reported by the schema pass.
		if len(errs) == 0 {
			errs = append(errs, fmt.Sprintf("manifest does not decode: %v", err))
		}
		return nil, errs
	}

	errs = append(errs, validateIdentity(&m)...)
	errs = append(errs, validateEntry(m.Entry)...)
	errs = append(errs, validatePermissionValues(m.Permissions)...)
	errs = append(errs, normalizeResources(&m.Resources)...)

	if len(errs) > 0 {
		return nil, errs
	}
	return &m, nil
}

func describeSchemaError(e gojsonschema.ResultError) string {
	switch e.Type() {
	case "required":
		if prop, ok := e.Details()["property"].(string); ok {
			return "missing required field: " + prop
		}
	case "additional_property_not_allowed":
		if prop, ok := e.Details()["property"].(string); ok && strings.HasPrefix(e.Field(), "permissions") {
			return "unknown permission category: " + prop
		}
	case "invalid_type":
		return fmt.Sprintf("field %s has the wrong type: %s", e.Field(), e.Description())
	}
	return fmt.Sprintf("%s: %s", e.Field(), e.Description())
}

func validateIdentity(m *Manifest) []string {
	var errs []string
	if m.Name != "" && !namePattern.MatchString(m.Name) {
		errs = append(errs, fmt.Sprintf("invalid name %q: must match %s", m.Name, namePattern.String()))
	}
	if m.Version != "" && !semverPattern.MatchString(m.Version) {
		errs = append(errs, fmt.Sprintf("invalid version %q: not a semantic version", m.Version))
	}
	if m.Runtime != "" && m.Runtime != Runtime {
		errs = append(errs, fmt.Sprintf("unsupported runtime %q: this node only runs %q skills", m.Runtime, Runtime))
	}
	if m.Type != "" && m.Type != TypeTool && m.Type != TypeDashboard {
		errs = append(errs, fmt.Sprintf("invalid type %q: must be %q or %q", m.Type, TypeTool, TypeDashboard))
	}
	return errs
}

// validateEntry rejects anything that could resolve outside the skill
// directory. The path is checked lexically and never touched against the
// filesystem.
func validateEntry(entry string) []string {
	if entry == "" {
		return nil // missing entry already reported by the schema pass
	}
	normalized := strings.ReplaceAll(entry, `\`, "/")
	if strings.HasPrefix(normalized, "/") || drivePattern.MatchString(entry) {
		return []string{fmt.Sprintf("entry %q must be a relative path", entry)}
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return []string{fmt.Sprintf("entry %q must not contain parent-traversal segments", entry)}
		}
		if seg == "" || seg == "." {
			return []string{fmt.Sprintf("entry %q is not a clean relative path", entry)}
		}
	}
	return nil
}

func validatePermissionValues(p Permissions) []string {
	var errs []string
	check := func(category string, values []string) {
		for _, v := range values {
			if strings.TrimSpace(v) == "" {
				errs = append(errs, fmt.Sprintf("permissions.%s contains an empty entry", category))
			}
		}
	}
	check("network", p.Network)
	check("filesystem", p.Filesystem)
	check("vault", p.Vault)
	check("env", p.Env)
	check("system", p.System)
	check("schedule", p.Schedule)
	check("read", p.Read)
	return errs
}

// normalizeResources fills defaults for omitted values and clamps everything
// to the hard ceilings. Negative requests are validation errors, not clamps.
func normalizeResources(r *Resources) []string {
	var errs []string
	clamp := func(field string, v *int, def, max int) {
		switch {
		case *v < 0:
			errs = append(errs, fmt.Sprintf("resources.%s must not be negative", field))
		case *v == 0:
			*v = def
		case *v > max:
			*v = max
		}
	}
	clamp("maxMemoryMb", &r.MaxMemoryMB, DefaultMemoryMB, MaxMemoryMB)
	clamp("maxCpuPercent", &r.MaxCPUPercent, DefaultCPUPercent, MaxCPUPercent)
	clamp("timeoutMs", &r.TimeoutMS, DefaultTimeoutMS, MaxTimeoutMS)
	clamp("maxDiskMb", &r.MaxDiskMB, DefaultDiskMB, MaxDiskMB)
	return errs
}
