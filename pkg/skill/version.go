package skill

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed semantic version. Build metadata is dropped; it never
// participates in ordering.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
}

// ParseVersion parses a strict semver string as accepted by ValidateManifest.
func ParseVersion(s string) (Version, error) {
	if !semverPattern.MatchString(s) {
		return Version{}, fmt.Errorf("invalid semantic version %q", s)
	}
	core := s
	if i := strings.IndexByte(core, '+'); i >= 0 {
		core = core[:i]
	}
	var pre string
	if i := strings.IndexByte(core, '-'); i >= 0 {
		core, pre = core[:i], core[i+1:]
	}
	parts := strings.SplitN(core, ".", 3)
	major, _ := strconv.Atoi(parts[0])
	minor, _ := strconv.Atoi(parts[1])
	patch, _ := strconv.Atoi(parts[2])
	return Version{Major: major, Minor: minor, Patch: patch, Pre: pre}, nil
}

// Compare returns -1, 0, or 1 ordering v against o per semver precedence
// rules. A pre-release sorts before its release.
func (v Version) Compare(o Version) int {
	if c := cmpInt(v.Major, o.Major); c != 0 {
		return c
	}
	if c := cmpInt(v.Minor, o.Minor); c != 0 {
		return c
	}
	if c := cmpInt(v.Patch, o.Patch); c != 0 {
		return c
	}
	return cmpPre(v.Pre, o.Pre)
}

// CompareVersions orders two semver strings. Unparseable input sorts last so
// a malformed archive directory never masks a real version.
func CompareVersions(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpPre(a, b string) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return 1
	case b == "":
		return -1
	}
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		an, aNum := strconv.Atoi(as[i])
		bn, bNum := strconv.Atoi(bs[i])
		switch {
		case aNum == nil && bNum == nil:
			if c := cmpInt(an, bn); c != 0 {
				return c
			}
		case aNum == nil:
			return -1 // numeric identifiers sort before alphanumeric
		case bNum == nil:
			return 1
		default:
			if c := strings.Compare(as[i], bs[i]); c != 0 {
				return c
			}
		}
	}
	return cmpInt(len(as), len(bs))
}
