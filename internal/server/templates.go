package server

import (
	"embed"
	"html/template"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/euforicio/d2vault/internal/exporter"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

type templateRenderer struct {
	tmpl *template.Template
}

func newTemplateRenderer() (*templateRenderer, error) {
	funcs := template.FuncMap{
		"isActive": strings.EqualFold,
		"formatTime": func(t time.Time) string {
			if t.IsZero() {
				return "-"
			}
			return t.Local().Format("Jan 2, 2006 3:04 PM")
		},
		"hasMetadata": func(meta renderer.Metadata) bool {
			return !meta.IsZero()
		},
		"pageURL": func(rel string) string {
			return "/page/" + escapeSegments(rel)
		},
		"exportURL": func(rel string, format exporter.Format) string {
			return "/api/export/" + escapeSegments(rel) + "?format=" + string(format)
		},
		"exportFormats": exporter.ValidFormats,
	}

	base, err := template.New("layout").Funcs(funcs).ParseFS(templateFS, "templates/*.gohtml")
	if err != nil {
		return nil, err
	}

	return &templateRenderer{tmpl: base}, nil
}

func (r *templateRenderer) render(w io.Writer, name string, data any) error {
	return r.tmpl.ExecuteTemplate(w, name, data)
}

func escapeSegments(rel string) string {
	segments := strings.Split(vault.NormalizePath(rel), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

type layoutViewData struct { //nolint:govet // struct fields grouped for template readability
	Title       string
	Notes       []vault.Note
	ActivePath  string
	Page        pageViewData
	HasDocument bool
}

type pageViewData struct {
	Path       string
	Title      string
	HTML       template.HTML
	Metadata   renderer.Metadata
	Modified   time.Time
	Diagrams   int
	RuntimeURL string
	Missing    bool
}
