// Package server provides the HTTP document view for a d2vault vault.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/euforicio/d2vault/internal/config"
	"github.com/euforicio/d2vault/internal/exporter"
	"github.com/euforicio/d2vault/internal/metrics"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
	"github.com/euforicio/d2vault/static"
)

// DiagramRuntime is the part of the diagram plugin the document view uses.
type DiagramRuntime interface {
	// RuntimeURL is the cache-busted browser runtime script, or "" before
	// the engine has loaded.
	RuntimeURL() string
	Reload() error
}

// Server serves rendered notes, vault resources and change events over HTTP.
type Server struct { //nolint:govet // field order favors logical grouping over padding optimizations
	mux        *http.ServeMux
	handler    http.Handler
	httpServer *http.Server
	logger     *slog.Logger
	vault      *vault.Service
	diagrams   DiagramRuntime
	exporter   *exporter.Exporter
	templates  *templateRenderer
	cfg        config.Config
}

var (
	errPathRequired        = errors.New("path is required")
	errInvalidPathEncoding = errors.New("invalid path encoding")
)

// New constructs a Server. diagrams may be nil when the diagram plugin is
// disabled.
func New(cfg config.Config, logger *slog.Logger, vaultSvc *vault.Service, diagrams DiagramRuntime, exp *exporter.Exporter) (*Server, error) {
	if vaultSvc == nil {
		return nil, errors.New("vault service must be provided")
	}
	if exp == nil {
		return nil, errors.New("exporter must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	tmpl, err := newTemplateRenderer()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		vault:     vaultSvc,
		diagrams:  diagrams,
		exporter:  exp,
		templates: tmpl,
	}

	s.registerRoutes()
	s.handler = chain(s.mux,
		recoveryMiddleware(s.logger),
		metrics.InstrumentHTTP,
		csrfMiddleware(s.logger),
		gzipMiddleware,
		loggingMiddleware(s.logger, s.cfg.Verbose),
	)

	return s, nil
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /static/css/highlight.css", s.handleHighlightCSS)
	staticHandler := http.StripPrefix("/static/", http.FileServer(static.HTTP()))
	s.mux.Handle("GET /static/{path...}", staticHandler)

	// Vault files, including the plugin's runtime assets.
	s.mux.HandleFunc("GET /resource/{path...}", s.handleResource)

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /page/{path...}", s.handlePageRoute)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)

	s.mux.HandleFunc("GET /api/notes", s.handleNotes)
	s.mux.HandleFunc("GET /api/page/{path...}", s.handlePage)
	s.mux.HandleFunc("GET /api/export/{path...}", s.handleExport)
	s.mux.HandleFunc("POST /api/plugin/reload", s.handleReload)
	s.mux.HandleFunc("GET /events", s.handleEvents)
}

// Start runs the HTTP server and optionally opens the browser.
// The server will listen on the configured port (or allocate a dynamic port if cfg.Port is 0).
// It supports graceful shutdown when the provided context is canceled.
// The method blocks until the server stops or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	if s.cfg.Port == 0 {
		addr = "127.0.0.1:0"
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		_ = listener.Close()
		return fmt.Errorf("unexpected listener address type")
	}
	serverURL := fmt.Sprintf("http://localhost:%d", tcpAddr.Port)

	// WriteTimeout stays unset: /events streams for as long as a page is open.
	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if _, err := fmt.Fprintf(os.Stdout, "d2vault serving %s on %s\n", s.vault.Adapter().Root(), serverURL); err != nil {
			s.logger.Warn("failed to announce server address", slog.String("url", serverURL), slog.Any("err", err))
		}
		errCh <- s.httpServer.Serve(listener)
	}()

	if s.cfg.AutoOpen {
		go s.openBrowserWhenReady(ctx, serverURL)
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.ErrorContext(ctx, "graceful shutdown failed", slog.Any("err", err))
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server with the provided context timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHighlightCSS(w http.ResponseWriter, r *http.Request) {
	css, err := renderer.HighlightCSS()
	if err != nil {
		s.logger.ErrorContext(r.Context(), "highlight css failed", slog.Any("err", err))
		http.Error(w, "failed to generate stylesheet", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write([]byte(css))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if queryPage := strings.TrimSpace(r.URL.Query().Get("page")); queryPage != "" {
		http.Redirect(w, r, "/page/"+queryPage, http.StatusMovedPermanently)
		return
	}

	notes, err := s.vault.Notes(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list notes failed", slog.Any("err", err))
		http.Error(w, "failed to list notes", http.StatusInternalServerError)
		return
	}

	s.renderTemplate(w, r, http.StatusOK, "layout", layoutViewData{
		Title: filepath.Base(s.vault.Adapter().Root()),
		Notes: notes,
	})
}

func (s *Server) handlePageRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := parseWildcardPath(r.PathValue("path"))
	if err != nil {
		s.respondPathError(w, err)
		return
	}

	notes, err := s.vault.Notes(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list notes failed", slog.Any("err", err))
		http.Error(w, "failed to list notes", http.StatusInternalServerError)
		return
	}

	data := layoutViewData{Notes: notes, ActivePath: path}
	status := http.StatusOK

	doc, err := s.vault.Document(ctx, path)
	switch {
	case err == nil:
		data.Page = s.pageViewFromDocument(path, doc)
		data.ActivePath = data.Page.Path
		data.HasDocument = true
	case errors.Is(err, os.ErrNotExist):
		// Render the layout with a not found message.
		status = http.StatusNotFound
		data.Page = pageViewData{
			Path:    path,
			Title:   fmt.Sprintf("%s (missing)", vault.TitleFromPath(path)),
			Missing: true,
		}
	case errors.Is(err, vault.ErrOutsideVault):
		s.respondPathError(w, err)
		return
	default:
		s.logger.WarnContext(ctx, "page load failed", slog.Any("err", err), slog.String("path", path))
		http.Error(w, "failed to load page", http.StatusInternalServerError)
		return
	}
	data.Title = data.Page.Title

	s.renderTemplate(w, r, status, "layout", data)
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	notes, err := s.vault.Notes(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "list notes failed", slog.Any("err", err))
		respondJSON(w, http.StatusInternalServerError, errorResponse("failed to list notes"))
		return
	}
	if notes == nil {
		notes = []vault.Note{}
	}

	resp := struct {
		GeneratedAt time.Time    `json:"generatedAt"`
		Notes       []vault.Note `json:"notes"`
	}{
		GeneratedAt: time.Now(),
		Notes:       notes,
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := parseWildcardPath(r.PathValue("path"))
	if err != nil {
		s.respondPathError(w, err)
		return
	}

	doc, err := s.vault.Document(ctx, path)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, os.ErrNotExist):
			status = http.StatusNotFound
		case errors.Is(err, vault.ErrOutsideVault):
			status = http.StatusBadRequest
		}
		s.logger.WarnContext(ctx, "load page failed", slog.Any("err", err), slog.String("path", path))
		respondJSON(w, status, errorResponse(err.Error()))
		return
	}
	rel, _ := vault.NotePath(path)

	format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	if format == "raw" || format == "markdown" {
		//nolint:govet // inline struct field order optimized for readability
		resp := struct {
			Metadata renderer.Metadata `json:"metadata"`
			Modified time.Time         `json:"modified"`
			Path     string            `json:"path"`
			Raw      string            `json:"raw"`
		}{
			Path:     rel,
			Raw:      doc.Raw,
			Metadata: doc.Metadata,
			Modified: doc.Modified,
		}
		respondJSON(w, http.StatusOK, resp)
		return
	}

	//nolint:govet // inline struct field order optimized for readability
	resp := struct {
		Metadata   renderer.Metadata `json:"metadata"`
		Modified   time.Time         `json:"modified"`
		Path       string            `json:"path"`
		HTML       string            `json:"html"`
		Diagrams   int               `json:"diagrams"`
		RuntimeURL string            `json:"runtimeUrl,omitempty"`
	}{
		Path:     rel,
		HTML:     doc.HTML,
		Metadata: doc.Metadata,
		Modified: doc.Modified,
		Diagrams: doc.Blocks["d2"],
	}
	if resp.Diagrams > 0 {
		resp.RuntimeURL = s.runtimeURL()
	}

	respondJSON(w, http.StatusOK, resp)
}

func parseWildcardPath(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errPathRequired
	}
	decoded, err := url.PathUnescape(trimmed)
	if err != nil {
		return "", errInvalidPathEncoding
	}
	path := strings.TrimSpace(decoded)
	if path == "" {
		return "", errPathRequired
	}
	return path, nil
}

func (s *Server) respondPathError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errPathRequired):
		respondJSON(w, http.StatusBadRequest, errorResponse("path is required"))
	case errors.Is(err, errInvalidPathEncoding):
		respondJSON(w, http.StatusBadRequest, errorResponse("invalid path encoding"))
	case errors.Is(err, vault.ErrOutsideVault):
		respondJSON(w, http.StatusBadRequest, errorResponse("invalid path"))
	default:
		respondJSON(w, http.StatusBadRequest, errorResponse(err.Error()))
	}
}

func (s *Server) renderTemplate(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := s.templates.render(&buf, name, data); err != nil {
		s.logger.ErrorContext(r.Context(), "render template failed", slog.Any("err", err), slog.String("template", name))
		http.Error(w, "failed to render template", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) pageViewFromDocument(path string, doc renderer.Document) pageViewData {
	rel, err := vault.NotePath(path)
	if err != nil {
		rel = path
	}
	title := doc.Metadata.Title
	if title == "" {
		title = vault.TitleFromPath(rel)
	}

	page := pageViewData{
		Path:     rel,
		Title:    title,
		HTML:     template.HTML(doc.HTML), //nolint:gosec // HTML from trusted renderer
		Metadata: doc.Metadata,
		Modified: doc.Modified,
		Diagrams: doc.Blocks["d2"],
	}
	if page.Diagrams > 0 {
		page.RuntimeURL = s.runtimeURL()
	}
	return page
}

func (s *Server) runtimeURL() string {
	if s.diagrams == nil {
		return ""
	}
	return s.diagrams.RuntimeURL()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.vault.Subscribe(ctx)

	if _, err := w.Write([]byte(": ready\n\n")); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := encodeEvent(evt)
			if err != nil {
				s.logger.WarnContext(ctx, "encode sse event failed", slog.Any("err", err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, err := parseWildcardPath(r.PathValue("path"))
	if err != nil {
		s.respondPathError(w, err)
		return
	}

	rawFormat := r.URL.Query().Get("format")
	if strings.TrimSpace(rawFormat) == "" {
		rawFormat = string(exporter.FormatHTML)
	}
	format, err := exporter.ParseFormat(rawFormat)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse("invalid format. Supported formats: html, pdf, markdown, txt"))
		return
	}

	// Exports are buffered so failures can still be reported with a status.
	var buf bytes.Buffer
	err = s.exporter.ExportPage(ctx, exporter.ExportPageOptions{
		Path:   path,
		Format: format,
		Writer: &buf,
	})
	if err != nil {
		switch {
		case errors.Is(err, exporter.ErrNotFound):
			respondJSON(w, http.StatusNotFound, errorResponse("document not found"))
		case errors.Is(err, vault.ErrOutsideVault):
			s.logger.WarnContext(ctx, "invalid export path attempted", slog.String("path", path))
			respondJSON(w, http.StatusBadRequest, errorResponse("invalid path"))
		default:
			s.logger.ErrorContext(ctx, "export failed", slog.Any("err", err), slog.String("path", path), slog.String("format", string(format)))
			respondJSON(w, http.StatusInternalServerError, errorResponse("export failed"))
		}
		return
	}

	filename := sanitizeFilename(path) + exporter.FileExtension(format)
	w.Header().Set("Content-Type", exporter.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.diagrams == nil {
		respondJSON(w, http.StatusServiceUnavailable, errorResponse("diagram plugin disabled"))
		return
	}
	if err := s.diagrams.Reload(); err != nil {
		s.logger.WarnContext(ctx, "plugin reload failed", slog.Any("err", err))
		respondJSON(w, http.StatusConflict, errorResponse(err.Error()))
		return
	}
	s.logger.InfoContext(ctx, "diagram plugin reloaded")
	respondJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func sanitizeFilename(path string) string {
	name := filepath.Base(path)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.Map(func(r rune) rune {
		if r == ' ' {
			return '-'
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		name = "export"
	}
	return name
}

func errorResponse(message string) map[string]string {
	return map[string]string{"error": message}
}

// handleResource serves a file from the vault. Requests carrying a version
// query, such as the runtime script URL, are cached for good.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rel, err := parseWildcardPath(r.PathValue("path"))
	if err != nil {
		s.respondPathError(w, err)
		return
	}

	absPath, err := s.vault.Adapter().Resolve(rel)
	if err != nil {
		s.logger.WarnContext(ctx, "resource path outside vault attempted", slog.String("path", rel))
		http.Error(w, "Invalid path", http.StatusForbidden)
		return
	}

	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		s.logger.WarnContext(ctx, "failed to stat resource", slog.Any("err", err), slog.String("path", rel))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if info.IsDir() {
		http.Error(w, "Path is a directory", http.StatusBadRequest)
		return
	}

	if r.URL.Query().Has("v") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	http.ServeFile(w, r, absPath)
}

func (s *Server) openBrowserWhenReady(ctx context.Context, url string) {
	timer := time.NewTimer(300 * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		if err := openBrowser(ctx, url); err != nil {
			s.logger.WarnContext(ctx, "auto-open failed", slog.String("url", url), slog.Any("err", err))
		}
	}
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	}
	return cmd.Start()
}
