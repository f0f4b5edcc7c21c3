package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/registry"
)

// Placeholders substituted in command arguments.
const (
	PlaceholderSource   = "{source}"
	PlaceholderDest     = "{dest}"
	PlaceholderArtifact = "{artifact}"
)

// DefaultContentExitCode is the exit status meaning "nothing to export".
const DefaultContentExitCode = 3

// Command delegates the export to an external program. The program is expected
// to write the artifact path it receives; a dedicated exit status reports that
// the source had nothing to export.
type Command struct {
	argv        []string
	ext         string
	contentExit int
	timeout     time.Duration
	logger      *slog.Logger
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithContentExitCode sets the exit status classified as a content error.
func WithContentExitCode(code int) CommandOption {
	return func(c *Command) {
		if code > 0 {
			c.contentExit = code
		}
	}
}

// WithCommandTimeout kills the program after d. Zero means no limit.
func WithCommandTimeout(d time.Duration) CommandOption { return func(c *Command) { c.timeout = d } }

// WithCommandLogger sets the logger.
func WithCommandLogger(l *slog.Logger) CommandOption { return func(c *Command) { c.logger = l } }

// NewCommand creates a command converter from an argv template.
func NewCommand(argv []string, ext string, opts ...CommandOption) (*Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ferrors.ConfigError("command converter requires a program").Build()
	}
	c := &Command{
		argv:        append([]string(nil), argv...),
		ext:         ext,
		contentExit: DefaultContentExitCode,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Export implements export.Converter.
func (c *Command) Export(ctx context.Context, loc registry.Location, destDir string) (export.Result, error) {
	target, err := artifactPath(loc, destDir, c.ext)
	if err != nil {
		return export.Result{}, err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return export.Result{}, ferrors.WrapError(err, ferrors.CategoryFileSystem, "create destination directory").
			WithContext("path", destDir).Build()
	}

	source := loc.Raw
	if !loc.IsRemote() {
		source = loc.Path
	}
	args := expandArgs(c.argv, map[string]string{
		PlaceholderSource:   source,
		PlaceholderDest:     destDir,
		PlaceholderArtifact: target,
	})

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// #nosec G204 -- the program comes from the operator's configuration.
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = destDir
	cmd.WaitDelay = 2 * time.Second
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("Converter command finished",
		logfields.Location(loc.Raw), slog.String("program", args[0]), logfields.Duration(time.Since(start)))

	if runErr != nil {
		return export.Result{}, c.classify(ctx, runErr, loc, out.String())
	}

	info, err := os.Stat(target)
	if err != nil {
		return export.Result{}, ferrors.WrapError(err, ferrors.CategoryConversion, "converter produced no artifact").
			WithContext("location", loc.Raw).WithContext("artifact", target).Build()
	}
	return export.Result{ArtifactPath: target, SizeBytes: info.Size()}, nil
}

func (c *Command) classify(ctx context.Context, runErr error, loc registry.Location, output string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ferrors.WrapError(runErr, ferrors.CategoryRuntime, "converter command timed out").
			WithContext("location", loc.Raw).WithContext("timeout", c.timeout.String()).Retryable().Build()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		if code == c.contentExit {
			return ferrors.ContentError("converter reported nothing to export").
				WithContext("location", loc.Raw).WithContext("exit_code", code).Build()
		}
		return ferrors.WrapError(runErr, ferrors.CategoryConversion, fmt.Sprintf("converter command failed: %s", tail(output, 512))).
			WithContext("location", loc.Raw).WithContext("exit_code", code).Build()
	}
	return ferrors.WrapError(runErr, ferrors.CategoryConversion, "start converter command").
		WithContext("location", loc.Raw).Build()
}

func expandArgs(argv []string, values map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range values {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
