// Package converter provides the built-in export.Converter implementations.
package converter

import (
	"fmt"
	"os"
	"path/filepath"

	"git.home.luguber.info/inful/docexport/internal/config"
	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/staleness"
)

// FromConfig builds the converter selected by cfg.Converter.
func FromConfig(cfg *config.Config) (export.Converter, error) {
	ext := cfg.Export.ArtifactExtension
	switch cfg.Converter.Type {
	case config.ConverterCommand:
		return NewCommand(cfg.Converter.Command, ext,
			WithContentExitCode(cfg.Converter.ContentErrorExitCode),
			WithCommandTimeout(cfg.Converter.TimeoutDuration()))
	case config.ConverterMarkdown, "":
		return NewMarkdown(ext, WithFetchTimeout(cfg.Converter.TimeoutDuration())), nil
	default:
		return nil, ferrors.ConfigError(fmt.Sprintf("unsupported converter type %q", cfg.Converter.Type)).Build()
	}
}

// artifactPath is where a converter writes the export of loc. Staleness checks
// look here first.
func artifactPath(loc registry.Location, destDir, ext string) (string, error) {
	candidates := staleness.PrimaryNaming{}.Candidates(loc.Name(), destDir, ext)
	if len(candidates) == 0 {
		return "", ferrors.ConversionError("cannot derive artifact name").
			WithContext("location", loc.Raw).Build()
	}
	return candidates[0], nil
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create destination directory").
			WithContext("path", dir).Build()
	}
	tmp, err := os.CreateTemp(dir, ".docexport-*.tmp")
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "create temporary artifact").
			WithContext("path", dir).Build()
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "write artifact").Build()
	}
	if err := tmp.Close(); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "close artifact").Build()
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return ferrors.WrapError(err, ferrors.CategoryFileSystem, "move artifact into place").
			WithContext("path", path).Build()
	}
	return nil
}
