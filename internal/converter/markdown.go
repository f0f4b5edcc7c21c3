package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"git.home.luguber.info/inful/docexport/internal/export"
	ferrors "git.home.luguber.info/inful/docexport/internal/foundation/errors"
	"git.home.luguber.info/inful/docexport/internal/logfields"
	"git.home.luguber.info/inful/docexport/internal/registry"
	"git.home.luguber.info/inful/docexport/internal/version"
)

// maxRemoteBytes caps the size of a fetched remote document.
const maxRemoteBytes = 32 << 20

// Markdown renders Markdown sources to standalone HTML documents. Remote
// http(s) sources are fetched; other remote schemes are not supported.
type Markdown struct {
	ext    string
	md     goldmark.Markdown
	client *http.Client
	logger *slog.Logger
}

// MarkdownOption configures a Markdown converter.
type MarkdownOption func(*Markdown)

// WithHTTPClient replaces the client used for remote sources.
func WithHTTPClient(c *http.Client) MarkdownOption { return func(m *Markdown) { m.client = c } }

// WithFetchTimeout bounds remote fetches. Zero keeps the default of 60s.
func WithFetchTimeout(d time.Duration) MarkdownOption {
	return func(m *Markdown) {
		if d > 0 {
			m.client.Timeout = d
		}
	}
}

// WithMarkdownLogger sets the logger.
func WithMarkdownLogger(l *slog.Logger) MarkdownOption { return func(m *Markdown) { m.logger = l } }

// NewMarkdown creates a converter writing "<stem><ext>" artifacts.
func NewMarkdown(ext string, opts ...MarkdownOption) *Markdown {
	m := &Markdown{
		ext: ext,
		md:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
		client: &http.Client{
			Timeout:   60 * time.Second,
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Export implements export.Converter.
func (m *Markdown) Export(ctx context.Context, loc registry.Location, destDir string) (export.Result, error) {
	target, err := artifactPath(loc, destDir, m.ext)
	if err != nil {
		return export.Result{}, err
	}

	src, err := m.read(ctx, loc)
	if err != nil {
		return export.Result{}, err
	}

	var body bytes.Buffer
	if err := m.md.Convert(src, &body); err != nil {
		return export.Result{}, ferrors.WrapError(err, ferrors.CategoryConversion, "render markdown").
			WithContext("location", loc.Raw).Build()
	}
	if err := checkRenderedContent(body.Bytes()); err != nil {
		return export.Result{}, err
	}

	doc := wrapDocument(documentTitle(m.md, src, loc), body.Bytes())
	if err := writeAtomic(target, doc); err != nil {
		return export.Result{}, err
	}
	m.logger.Debug("Rendered markdown", logfields.Location(loc.Raw), logfields.Artifact(target), slog.Int("bytes", len(doc)))
	return export.Result{ArtifactPath: target, SizeBytes: int64(len(doc))}, nil
}

func (m *Markdown) read(ctx context.Context, loc registry.Location) ([]byte, error) {
	switch loc.Scheme {
	case "file", "":
		data, err := os.ReadFile(loc.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, ferrors.WrapError(err, ferrors.CategoryNotFound, "source not found").
					WithContext("location", loc.Raw).Build()
			}
			return nil, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read source").
				WithContext("location", loc.Raw).Build()
		}
		return data, nil
	case "http", "https":
		return m.fetch(ctx, loc)
	default:
		return nil, ferrors.ConversionError(fmt.Sprintf("unsupported source scheme %q", loc.Scheme)).
			WithContext("location", loc.Raw).Build()
	}
}

func (m *Markdown) fetch(ctx context.Context, loc registry.Location) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.Raw, nil)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryValidation, "invalid source URL").
			WithContext("location", loc.Raw).Build()
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "fetch source").
			WithContext("location", loc.Raw).Retryable().Build()
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, ferrors.NetworkError(fmt.Sprintf("fetch source: HTTP %d", resp.StatusCode)).
			WithContext("location", loc.Raw).Build()
	case resp.StatusCode == http.StatusNotFound:
		return nil, ferrors.NewError(ferrors.CategoryNotFound, "source not found: HTTP 404").
			WithContext("location", loc.Raw).Build()
	case resp.StatusCode >= 400:
		return nil, ferrors.ConversionError(fmt.Sprintf("fetch source: HTTP %d", resp.StatusCode)).
			WithContext("location", loc.Raw).Build()
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBytes+1))
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "read source body").
			WithContext("location", loc.Raw).Retryable().Build()
	}
	if len(data) > maxRemoteBytes {
		return nil, ferrors.ConversionError("remote source exceeds size limit").
			WithContext("location", loc.Raw).WithContext("limit_bytes", maxRemoteBytes).Build()
	}
	return data, nil
}

// checkRenderedContent rejects documents that render to nothing visible.
func checkRenderedContent(fragment []byte) error {
	nodes, err := html.ParseFragment(bytes.NewReader(fragment), &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryConversion, "parse rendered document").Build()
	}
	for _, n := range nodes {
		if hasVisibleContent(n) {
			return nil
		}
	}
	return ferrors.ContentError("document has no exportable content").Build()
}

func hasVisibleContent(n *html.Node) bool {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) != "" {
			return true
		}
	case html.ElementNode:
		switch n.Data {
		case "img", "table", "hr", "video", "audio":
			return true
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if hasVisibleContent(c) {
			return true
		}
	}
	return false
}

// documentTitle returns the text of the first level-one heading, or the source name.
func documentTitle(md goldmark.Markdown, src []byte, loc registry.Location) string {
	root := md.Parser().Parse(text.NewReader(src))
	title := ""
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if h, ok := n.(*gmast.Heading); ok && h.Level == 1 {
			title = headingText(h, src)
			return gmast.WalkStop, nil
		}
		return gmast.WalkContinue, nil
	})
	if title == "" {
		name := loc.Name()
		title = strings.TrimSuffix(name, pathExt(name))
	}
	return title
}

func headingText(h gmast.Node, src []byte) string {
	var b strings.Builder
	_ = gmast.Walk(h, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if t, ok := n.(*gmast.Text); ok && entering {
			b.Write(t.Segment.Value(src))
		}
		return gmast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func pathExt(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[i:]
	}
	return ""
}

func wrapDocument(title string, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<meta name=\"generator\" content=\"%s\">\n", html.EscapeString(version.UserAgent()))
	fmt.Fprintf(&b, "<title>%s</title>\n</head>\n<body>\n", html.EscapeString(title))
	b.Write(body)
	b.WriteString("</body>\n</html>\n")
	return b.Bytes()
}
