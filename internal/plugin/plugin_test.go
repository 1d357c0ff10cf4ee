package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/euforicio/d2vault/internal/assets"
	"github.com/euforicio/d2vault/internal/engine"
	"github.com/euforicio/d2vault/internal/plugin"
	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

const pluginDir = ".d2vault/plugins/d2"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fixture struct {
	adapter   *vault.Adapter
	renderer  *renderer.Service
	plugin    *plugin.Plugin
	downloads *atomic.Int32
	ctorCalls *atomic.Int32
	status    *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		downloads: new(atomic.Int32),
		ctorCalls: new(atomic.Int32),
		status:    new(atomic.Int32),
	}
	f.status.Store(http.StatusOK)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.downloads.Add(1)
		if code := int(f.status.Load()); code != http.StatusOK {
			http.Error(w, "unavailable", code)
			return
		}
		_, _ = w.Write([]byte("var D2 = {};"))
	}))
	t.Cleanup(srv.Close)

	adapter, err := vault.NewAdapter(t.TempDir())
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	f.adapter = adapter

	logger := discardLogger()
	defaultModule := engine.DefaultModule(logger)
	f.plugin = plugin.New(plugin.Options{
		PluginDir:   pluginDir,
		Provisioner: assets.NewProvisioner(adapter, assets.WithBaseURL(srv.URL), assets.WithLogger(logger)),
		ResourceURL: adapter.ResourcePath,
		Logger:      logger,
		Module: func(ctx context.Context, runtimeURL string) (any, error) {
			module, err := defaultModule(ctx, runtimeURL)
			if err != nil {
				return nil, err
			}
			ns := module.(engine.Namespace)
			return engine.Namespace{D2: func() (engine.Engine, error) {
				f.ctorCalls.Add(1)
				return ns.D2()
			}}, nil
		},
	})

	f.renderer = renderer.NewService(logger)
	f.plugin.Load(f.renderer)
	t.Cleanup(func() {
		f.plugin.Unload()
		f.renderer.Close()
	})
	return f
}

func (f *fixture) render(t *testing.T, path string, modTime time.Time, content string) *goquery.Document {
	t.Helper()
	doc, err := f.renderer.Render(context.Background(), path, modTime, []byte(content))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	dom, err := goquery.NewDocumentFromReader(strings.NewReader(doc.HTML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return dom
}

func TestFreshVaultDownloadsRuntimeOnceAndRenders(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	dom := f.render(t, "arch.md", time.Unix(1, 0),
		"# Architecture\n\n```d2\nclient -> server\n```\n\n```d2\nserver -> db\n```\n\n```d2\ndb -> backup\n```\n")

	if got := f.downloads.Load(); got != 1 {
		t.Fatalf("expected exactly one batch download, got %d requests", got)
	}
	if got := f.ctorCalls.Load(); got != 1 {
		t.Fatalf("expected one engine instantiation, got %d", got)
	}
	if ok, _ := f.adapter.Exists(pluginDir + "/" + assets.RuntimeScript); !ok {
		t.Fatalf("expected runtime script in plugin dir")
	}

	bound := dom.Find(`div.block-language-d2[data-state="bound"] div.d2-host > svg`)
	if bound.Length() != 3 {
		t.Fatalf("expected 3 bound diagrams, got %d", bound.Length())
	}

	runtimeURL := f.plugin.RuntimeURL()
	if !strings.HasPrefix(runtimeURL, "/resource/.d2vault/plugins/d2/d2.global.js?v=") {
		t.Fatalf("unexpected runtime url %q", runtimeURL)
	}
}

func TestCompleteVaultSkipsDownload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.adapter.Mkdir(pluginDir); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := f.adapter.Write(pluginDir+"/"+assets.RuntimeScript, "var D2 = {};"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dom := f.render(t, "a.md", time.Unix(1, 0), "```d2\na -> b\n```\n")
	if got := f.downloads.Load(); got != 0 {
		t.Fatalf("expected zero downloads, got %d", got)
	}
	if f.ctorCalls.Load() != 1 {
		t.Fatalf("expected engine instantiation")
	}
	if dom.Find("div.d2-host svg").Length() == 0 {
		t.Fatalf("expected rendered diagram")
	}
}

func TestInvalidSourceShowsRenderErrorInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	dom := f.render(t, "broken.md", time.Unix(1, 0),
		"```d2\na -> {\n```\n\n```d2\nok -> fine\n```\n")

	blocks := dom.Find("div.block-language-d2")
	if blocks.Length() != 2 {
		t.Fatalf("expected 2 placeholders, got %d", blocks.Length())
	}

	failed := blocks.First()
	if state, _ := failed.Attr("data-state"); state != "error" {
		t.Fatalf("expected error state, got %q", state)
	}
	text := strings.TrimSpace(failed.Text())
	if !strings.HasPrefix(text, "D2 render error: ") || len(text) <= len("D2 render error: ") {
		t.Fatalf("expected prefixed engine message, got %q", text)
	}

	sibling := blocks.Last()
	if state, _ := sibling.Attr("data-state"); state != "bound" {
		t.Fatalf("sibling must still bind, got %q", state)
	}
}

func TestDownloadFailureShowsInitErrorAndRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.status.Store(http.StatusNotFound)

	dom := f.render(t, "a.md", time.Unix(1, 0), "```d2\na -> b\n```\n")
	text := strings.TrimSpace(dom.Find("div.block-language-d2").Text())
	if text != "D2 init error: failed to fetch d2.global.js (404)" {
		t.Fatalf("unexpected init failure text %q", text)
	}
	if ok, _ := f.adapter.Exists(pluginDir + "/" + assets.RuntimeScript); ok {
		t.Fatalf("failed download must not leave the runtime behind")
	}
	if f.ctorCalls.Load() != 0 {
		t.Fatalf("engine must not be constructed after a failed download")
	}

	f.status.Store(http.StatusOK)
	dom = f.render(t, "a.md", time.Unix(2, 0), "```d2\na -> b\n```\n")
	if dom.Find("div.d2-host svg").Length() == 0 {
		t.Fatalf("expected retry to render, got %s", dom.Text())
	}
	if f.downloads.Load() != 2 {
		t.Fatalf("expected a second download attempt, got %d", f.downloads.Load())
	}
}

func TestConcurrentDocumentsShareOneLoad(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := "note" + string(rune('a'+i)) + ".md"
			if _, err := f.renderer.Render(context.Background(), path, time.Unix(1, 0), []byte("```d2\nx -> y\n```\n")); err != nil {
				t.Errorf("render %s: %v", path, err)
			}
		}()
	}
	wg.Wait()

	if f.downloads.Load() != 1 || f.ctorCalls.Load() != 1 {
		t.Fatalf("expected one download and one construction, got %d/%d", f.downloads.Load(), f.ctorCalls.Load())
	}
}

func TestUnloadRestoresPlainFences(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.plugin.Unload()

	doc, err := f.renderer.Render(context.Background(), "a.md", time.Unix(1, 0), []byte("```d2\na -> b\n```\n"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(doc.HTML, "block-language-d2") || f.downloads.Load() != 0 {
		t.Fatalf("expected unloaded plugin to leave fences alone, got %s", doc.HTML)
	}
	if f.plugin.RuntimeURL() != "" {
		t.Fatalf("expected runtime url cleared after unload")
	}
}

func TestReloadDropsEngineAndResubscribes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	f.render(t, "a.md", time.Unix(1, 0), "```d2\na -> b\n```\n")
	if f.ctorCalls.Load() != 1 {
		t.Fatalf("expected engine instantiation")
	}

	if err := f.plugin.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if f.plugin.RuntimeURL() != "" {
		t.Fatalf("expected engine dropped by reload")
	}

	dom := f.render(t, "a.md", time.Unix(2, 0), "```d2\na -> b\n```\n")
	if dom.Find("div.d2-host svg").Length() != 1 {
		t.Fatalf("expected diagram after reload")
	}
	if f.ctorCalls.Load() != 2 || f.downloads.Load() != 1 {
		t.Fatalf("expected a new engine from the provisioned runtime, got %d ctor / %d downloads",
			f.ctorCalls.Load(), f.downloads.Load())
	}

	fresh := plugin.New(plugin.Options{Logger: discardLogger()})
	if err := fresh.Reload(); !errors.Is(err, plugin.ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}
}
