package contextstore

import (
	"strings"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
)

// Path addresses a field as section.field[.sub...]. The first segment names a
// domain section; at least one field segment follows.
type Path struct {
	Section types.Domain
	Fields  []string
}

// ParsePath validates and splits p.
func ParsePath(p string) (Path, error) {
	parts := strings.Split(p, ".")
	if len(parts) < 2 {
		return Path{}, types.NewValidationError("path %q must be section.field", p)
	}
	section, ok := types.ParseDomain(parts[0])
	if !ok {
		return Path{}, types.NewValidationError("path %q: unknown section %q", p, parts[0])
	}
	for _, f := range parts[1:] {
		if f == "" {
			return Path{}, types.NewValidationError("path %q has an empty segment", p)
		}
	}
	return Path{Section: section, Fields: parts[1:]}, nil
}

// String renders the path back to dotted form.
func (p Path) String() string {
	return string(p.Section) + "." + strings.Join(p.Fields, ".")
}

// Overlaps reports whether two dotted paths address the same field or one
// contains the other.
func Overlaps(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// SectionOf returns the section segment of a dotted path.
func SectionOf(p string) types.Domain {
	if i := strings.IndexByte(p, '.'); i >= 0 {
		return types.Domain(p[:i])
	}
	return types.Domain(p)
}

// HasPrefix reports whether p equals prefix or lies beneath it. A prefix
// ending in '.' or '*' matches any descendant.
func HasPrefix(p, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "*")
	if strings.HasSuffix(prefix, ".") {
		return strings.HasPrefix(p, prefix)
	}
	return p == prefix || strings.HasPrefix(p, prefix+".")
}
