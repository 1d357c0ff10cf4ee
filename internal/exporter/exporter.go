// Package exporter writes a single vault note as standalone HTML, markdown,
// plain text or PDF.
package exporter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/euforicio/d2vault/internal/metrics"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

// ErrNotFound is returned when the requested note does not exist.
var ErrNotFound = errors.New("note not found")

// DiagramRenderer compiles and renders one D2 source to SVG markup.
type DiagramRenderer interface {
	Render(ctx context.Context, source string) (string, error)
}

// Exporter renders vault notes into downloadable documents.
type Exporter struct {
	vault     *vault.Adapter
	renderer  *renderer.Service
	diagrams  DiagramRenderer
	templates *templateRenderer
	logger    *slog.Logger
}

// New constructs an exporter. diagrams may be nil, in which case PDF exports
// keep d2 fences as code.
func New(adapter *vault.Adapter, rendererSvc *renderer.Service, diagrams DiagramRenderer, logger *slog.Logger) (*Exporter, error) {
	if adapter == nil {
		return nil, errors.New("vault adapter must be provided")
	}
	if rendererSvc == nil {
		return nil, errors.New("renderer service must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := newTemplateRenderer()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	return &Exporter{
		vault:     adapter,
		renderer:  rendererSvc,
		diagrams:  diagrams,
		templates: tmpl,
		logger:    logger.With("component", "exporter"),
	}, nil
}

// ExportPageOptions configures a single note export.
type ExportPageOptions struct {
	Writer io.Writer
	Format Format
	// Path is vault-relative; the ".md" extension is optional.
	Path string
}

// ExportPage exports a single note in the requested format. Nothing is written
// to opts.Writer unless the whole export succeeds.
func (e *Exporter) ExportPage(ctx context.Context, opts ExportPageOptions) (err error) {
	if err := validateExportPageOptions(opts); err != nil {
		return err
	}
	format, _ := ParseFormat(string(opts.Format))

	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ExportsTotal.WithLabelValues(string(format), outcome).Inc()
	}()

	rel, err := vault.NotePath(opts.Path)
	if err != nil {
		return err
	}

	raw, info, err := e.vault.Read(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, opts.Path)
		}
		return err
	}

	page := source{path: rel, modTime: info.ModTime(), raw: raw}

	var buf bytes.Buffer
	switch format {
	case FormatHTML:
		err = e.exportHTML(ctx, page, &buf)
	case FormatMarkdown:
		err = e.exportMarkdown(page, &buf)
	case FormatPlainText:
		err = e.exportPlainText(ctx, page, &buf)
	case FormatPDF:
		err = e.exportPDF(ctx, page, &buf)
	default:
		err = fmt.Errorf("unsupported format: %s", opts.Format)
	}
	if err != nil {
		e.logger.WarnContext(ctx, "export failed",
			slog.String("path", rel),
			slog.String("format", string(format)),
			slog.Any("err", err),
		)
		return err
	}

	_, err = buf.WriteTo(opts.Writer)
	return err
}

func validateExportPageOptions(opts ExportPageOptions) error {
	if strings.TrimSpace(opts.Path) == "" {
		return errors.New("page path is required")
	}
	if opts.Writer == nil {
		return errors.New("writer is required")
	}
	if !IsValidFormat(string(opts.Format)) {
		return fmt.Errorf("unsupported format: %s (allowed: html, pdf, markdown, txt)", opts.Format)
	}
	return nil
}
