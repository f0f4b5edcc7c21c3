package registry

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
)

const (
	sourcesExt = ".sources"
	destExt    = ".dest"
)

// Source is one tracked source: its locations and where its artifacts go.
// Sources are immutable for the duration of a run and reloaded every tick.
type Source struct {
	ID             string
	Locations      []Location
	DestinationDir string
}

// Registry reads source descriptors from a directory of line-oriented files:
// <id>.sources lists one location per line, <id>.dest names the destination directory.
type Registry struct {
	dir     string
	decoder *Decoder
	logger  *slog.Logger
}

// New creates a registry reader for dir.
func New(dir, legacyCharset string, logger *slog.Logger) (*Registry, error) {
	dec, err := NewDecoder(legacyCharset)
	if err != nil {
		return nil, ferrors.ValidationError("invalid registry.legacy_encoding").WithCause(err).Build()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{dir: dir, decoder: dec, logger: logger}, nil
}

// Dir returns the registry directory.
func (r *Registry) Dir() string { return r.dir }

// Load reads every source in the registry, sorted by id. Individual malformed
// sources are skipped with a warning; an unreadable or empty registry is a ConfigError.
func (r *Registry) Load(ctx context.Context) ([]Source, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, ferrors.ConfigError("source registry unreadable").
			WithCause(err).
			WithContext("dir", r.dir).
			Build()
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		// Get rebuilds file names from the id, so only the exact extension counts.
		if e.IsDir() || filepath.Ext(e.Name()) != sourcesExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), sourcesExt))
	}
	sort.Strings(ids)

	sources := make([]Source, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := r.Get(id)
		if err != nil {
			r.logger.Warn("Skipping invalid registry entry", logfields.SourceID(id), logfields.Error(err))
			continue
		}
		sources = append(sources, src)
	}

	if len(sources) == 0 {
		return nil, ferrors.ConfigError("source registry is empty").
			WithContext("dir", r.dir).
			Build()
	}
	return sources, nil
}

// Get reads a single source by id.
func (r *Registry) Get(id string) (Source, error) {
	lines, err := r.readLines(filepath.Join(r.dir, id+sourcesExt))
	if err != nil {
		return Source{}, err
	}
	destLines, err := r.readLines(filepath.Join(r.dir, id+destExt))
	if err != nil {
		return Source{}, ferrors.ConfigError("destination file missing").WithCause(err).WithContext("source_id", id).Build()
	}
	if len(destLines) == 0 {
		return Source{}, ferrors.ConfigError("destination file is empty").WithContext("source_id", id).Build()
	}

	dest := destLines[0]
	if !filepath.IsAbs(dest) && !isWindowsAbs(dest) {
		dest = filepath.Join(r.dir, dest)
	}

	src := Source{ID: id, DestinationDir: dest}
	for _, line := range lines {
		src.Locations = append(src.Locations, ParseLocation(line, r.dir))
	}
	if len(src.Locations) == 0 {
		return Source{}, ferrors.ConfigError("source lists no locations").WithContext("source_id", id).Build()
	}
	return src, nil
}

// readLines decodes a registry file and returns its non-empty, non-comment lines.
func (r *Registry) readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	text, enc, err := r.decoder.Decode(data)
	if err != nil {
		return nil, ferrors.ConfigError("registry file could not be decoded").WithCause(err).WithContext("path", path).Build()
	}
	if enc != "utf-8" {
		r.logger.Debug("Decoded registry file with fallback encoding", slog.String("path", path), slog.String("encoding", enc))
	}

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
