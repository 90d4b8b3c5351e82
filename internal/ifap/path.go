package ifap

import "strings"

// NormalizePath collapses a logical path to its canonical form: no
// leading or trailing slashes, and no empty segments from repeated
// slashes. Paths are opaque keys; there are no directory entities on
// the server, so normalization is purely string hygiene.
func NormalizePath(p string) string {
	segments := strings.Split(p, "/")
	kept := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "/")
}

// pathChild returns the immediate child segment of full relative to
// prefix, and true, if full lies under prefix. Used by Index.Listdir
// to compute one-hop directory views from the flat path set.
func pathChild(prefix, full string) (string, bool) {
	prefix = NormalizePath(prefix)
	full = NormalizePath(full)

	if prefix == "" {
		if full == "" {
			return "", false
		}
		i := strings.IndexByte(full, '/')
		if i < 0 {
			return full, true
		}
		return full[:i], true
	}

	rest, ok := strings.CutPrefix(full, prefix+"/")
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i], true
	}
	return rest, true
}
