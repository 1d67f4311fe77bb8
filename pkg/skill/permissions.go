package skill

import "sort"

// Flatten renders the permission lists as category-qualified strings, e.g.
// "network:api.example.com" or "vault:*". The result is sorted and
// deduplicated, suitable for set comparison between manifest versions.
func (p Permissions) Flatten() []string {
	seen := make(map[string]struct{})
	add := func(category string, values []string) {
		for _, v := range values {
			seen[category+":"+v] = struct{}{}
		}
	}
	add("network", p.Network)
	add("filesystem", p.Filesystem)
	add("vault", p.Vault)
	add("env", p.Env)
	add("system", p.System)
	add("schedule", p.Schedule)
	add("read", p.Read)

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// EscalatedPermissions returns every category-qualified permission present in
// next but absent from prev. Removals never appear in the result, so a
// manifest that only drops permissions reports no escalation.
func EscalatedPermissions(prev, next Permissions) []string {
	had := make(map[string]struct{})
	for _, s := range prev.Flatten() {
		had[s] = struct{}{}
	}
	var escalated []string
	for _, s := range next.Flatten() {
		if _, ok := had[s]; !ok {
			escalated = append(escalated, s)
		}
	}
	return escalated
}
