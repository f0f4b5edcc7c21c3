package staleness

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// NamingStrategy maps a source file name to the artifact paths that may hold its export.
// The first candidate is the primary, name-derived path.
type NamingStrategy interface {
	Candidates(sourceName, destDir, ext string) []string
}

// revisionSuffix matches a trailing revision marker such as "_rev3", "-R12",
// " rev 4" or " Revision 2". Group 1 is everything up to and including the
// marker, group 2 the revision number.
var revisionSuffix = regexp.MustCompile(`(?i)^(.*?[ _\-.](?:revision|rev|r)[ _\-.]?)(\d+)$`)

// RevisionNaming is the default strategy. Besides the primary "<stem><ext>"
// path it offers an alternate where a trailing revision number is replaced
// by the next one, since the exported artifact of revision N is commonly
// published under the name of revision N+1.
type RevisionNaming struct{}

// Candidates implements NamingStrategy.
func (RevisionNaming) Candidates(sourceName, destDir, ext string) []string {
	stem := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if stem == "" {
		return nil
	}
	out := []string{filepath.Join(destDir, stem+ext)}
	if next, ok := NextRevision(stem); ok {
		out = append(out, filepath.Join(destDir, next+ext))
	}
	return out
}

// NextRevision returns stem with its trailing revision number incremented,
// preserving zero padding ("_r09" becomes "_r10").
func NextRevision(stem string) (string, bool) {
	m := revisionSuffix.FindStringSubmatch(stem)
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", false
	}
	next := strconv.Itoa(n + 1)
	if pad := len(m[2]) - len(next); pad > 0 {
		next = strings.Repeat("0", pad) + next
	}
	return m[1] + next, true
}

// PrimaryNaming only offers the name-derived path.
type PrimaryNaming struct{}

// Candidates implements NamingStrategy.
func (PrimaryNaming) Candidates(sourceName, destDir, ext string) []string {
	stem := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if stem == "" {
		return nil
	}
	return []string{filepath.Join(destDir, stem+ext)}
}
