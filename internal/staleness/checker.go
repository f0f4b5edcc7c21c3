package staleness

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/registry"
)

// Reason explains a Verdict.
type Reason string

const (
	ReasonRemoteSource    Reason = "remote source, always export"
	ReasonArtifactMissing Reason = "artifact missing"
	ReasonSourceUnknown   Reason = "source timestamp unknown"
	ReasonSourceUpdated   Reason = "source updated"
	ReasonUpToDate        Reason = "artifact up to date"
	ReasonCheckFailed     Reason = "artifact check failed"
)

// Verdict is the outcome of a staleness check. It has no identity and no side effects.
type Verdict struct {
	NeedsExport  bool
	Reason       Reason
	SourceTime   *time.Time
	ArtifactTime *time.Time
	ArtifactPath string
}

// LocationVerdict pairs a location with its verdict.
type LocationVerdict struct {
	Location registry.Location
	Verdict  Verdict
}

// StatFunc abstracts os.Stat for tests.
type StatFunc func(name string) (fs.FileInfo, error)

// Checker decides per source location whether regeneration is needed.
// Absence of files is a normal input; unexpected filesystem faults resolve to export.
type Checker struct {
	naming NamingStrategy
	ext    string
	stat   StatFunc
	logger *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithNaming replaces the default RevisionNaming strategy.
func WithNaming(n NamingStrategy) Option { return func(c *Checker) { c.naming = n } }

// WithStat replaces os.Stat.
func WithStat(fn StatFunc) Option { return func(c *Checker) { c.stat = fn } }

// WithLogger sets the logger used for unexpected filesystem faults.
func WithLogger(l *slog.Logger) Option { return func(c *Checker) { c.logger = l } }

// NewChecker creates a checker for artifacts with the given extension (e.g. ".html").
func NewChecker(artifactExt string, opts ...Option) *Checker {
	c := &Checker{
		naming: RevisionNaming{},
		ext:    artifactExt,
		stat:   os.Stat,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EvaluateSource evaluates every location of src.
func (c *Checker) EvaluateSource(src registry.Source) []LocationVerdict {
	out := make([]LocationVerdict, 0, len(src.Locations))
	for _, loc := range src.Locations {
		out = append(out, LocationVerdict{Location: loc, Verdict: c.Evaluate(loc, src.DestinationDir)})
	}
	return out
}

// Evaluate decides whether loc must be exported into destDir.
func (c *Checker) Evaluate(loc registry.Location, destDir string) Verdict {
	artifactPath, artifactTime, fault := c.newestCandidate(loc, destDir)

	if loc.IsRemote() {
		return Verdict{NeedsExport: true, Reason: ReasonRemoteSource, ArtifactPath: artifactPath, ArtifactTime: artifactTime}
	}
	if fault != nil {
		c.logger.Warn("Artifact check failed; exporting",
			logfields.Location(loc.Raw), logfields.Destination(destDir), logfields.Error(fault))
		return Verdict{NeedsExport: true, Reason: ReasonCheckFailed}
	}
	if artifactTime == nil {
		return Verdict{NeedsExport: true, Reason: ReasonArtifactMissing}
	}

	info, err := c.stat(loc.Path)
	if err != nil || info.ModTime().IsZero() {
		return Verdict{NeedsExport: true, Reason: ReasonSourceUnknown, ArtifactPath: artifactPath, ArtifactTime: artifactTime}
	}
	srcTime := info.ModTime()

	if srcTime.After(*artifactTime) {
		return Verdict{NeedsExport: true, Reason: ReasonSourceUpdated, SourceTime: &srcTime, ArtifactTime: artifactTime, ArtifactPath: artifactPath}
	}
	return Verdict{NeedsExport: false, Reason: ReasonUpToDate, SourceTime: &srcTime, ArtifactTime: artifactTime, ArtifactPath: artifactPath}
}

// newestCandidate returns the existing candidate with the newest modification time.
// A fault is reported only for errors other than "does not exist".
func (c *Checker) newestCandidate(loc registry.Location, destDir string) (string, *time.Time, error) {
	var (
		bestPath string
		bestTime *time.Time
	)
	for _, p := range c.naming.Candidates(loc.Name(), destDir, c.ext) {
		info, err := c.stat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", nil, err
		}
		if info.IsDir() {
			continue
		}
		mt := info.ModTime()
		if bestTime == nil || mt.After(*bestTime) {
			bestPath, bestTime = p, &mt
		}
	}
	return bestPath, bestTime, nil
}
