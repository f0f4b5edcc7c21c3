package registry

import (
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// schemePattern matches a URL scheme of at least two characters so Windows
// drive letters ("C:\models") stay local paths.
var schemePattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.\-]+)://`)

// Location is one scheme-qualified source reference.
type Location struct {
	Raw    string // as written in the registry
	Scheme string // lower-case scheme; "file" for local paths
	Path   string // filesystem path for local locations, URL path for remote ones
}

// ParseLocation classifies a registry line. Relative local paths are resolved against baseDir.
func ParseLocation(raw, baseDir string) Location {
	raw = strings.TrimSpace(raw)
	m := schemePattern.FindStringSubmatch(raw)
	if m == nil {
		p := raw
		if !filepath.IsAbs(p) && !isWindowsAbs(p) && baseDir != "" {
			p = filepath.Join(baseDir, p)
		}
		return Location{Raw: raw, Scheme: "file", Path: p}
	}

	scheme := strings.ToLower(m[1])
	u, err := url.Parse(raw)
	if err != nil {
		return Location{Raw: raw, Scheme: scheme, Path: strings.TrimPrefix(raw, m[0])}
	}
	if scheme == "file" {
		return Location{Raw: raw, Scheme: scheme, Path: filepath.FromSlash(u.Path)}
	}
	return Location{Raw: raw, Scheme: scheme, Path: u.Path}
}

// IsRemote reports whether the location cannot be read from the local filesystem.
func (l Location) IsRemote() bool {
	return l.Scheme != "" && l.Scheme != "file"
}

// Name returns the final path element, used to derive artifact names.
func (l Location) Name() string {
	if l.IsRemote() {
		name := path.Base(l.Path)
		if unescaped, err := url.PathUnescape(name); err == nil {
			name = unescaped
		}
		if name == "/" || name == "." {
			return ""
		}
		return name
	}
	return baseName(l.Path)
}

func (l Location) String() string { return l.Raw }

// baseName handles both separators so registries written on Windows resolve the same names.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func isWindowsAbs(p string) bool {
	if strings.HasPrefix(p, `\\`) {
		return true
	}
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}
