package vault_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/euforicio/d2vault/internal/renderer"
	"github.com/euforicio/d2vault/internal/vault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestAdapterFileOperations(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	adapter, err := vault.NewAdapter(root)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}

	ok, err := adapter.Exists(".d2vault/plugins/d2")
	if err != nil || ok {
		t.Fatalf("expected missing plugin dir, got %v %v", ok, err)
	}
	if err := adapter.Mkdir(".d2vault/plugins/d2"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if ok, _ := adapter.Exists(".d2vault/plugins/d2"); !ok {
		t.Fatalf("expected plugin dir to exist")
	}

	if err := adapter.Write(".d2vault/plugins/d2/d2.global.js", "window.D2 = {};"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := adapter.WriteBinary(".d2vault/plugins/d2/d2.wasm", []byte{0x00, 0x61, 0x73, 0x6d}); err != nil {
		t.Fatalf("WriteBinary: %v", err)
	}

	data, info, err := adapter.Read(".d2vault/plugins/d2/d2.wasm")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(data) != 4 || info.Size() != 4 {
		t.Fatalf("unexpected binary contents %v", data)
	}
	text, err := os.ReadFile(filepath.Join(root, ".d2vault", "plugins", "d2", "d2.global.js"))
	if err != nil || string(text) != "window.D2 = {};" {
		t.Fatalf("unexpected text contents %q (%v)", text, err)
	}

	if _, err := adapter.Resolve("../outside.md"); !errors.Is(err, vault.ErrOutsideVault) {
		t.Fatalf("expected ErrOutsideVault, got %v", err)
	}
	if _, _, err := adapter.Read("missing.md"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}

	if got := adapter.ResourcePath("/.d2vault/plugins/d2/d2 global.js"); got != "/resource/.d2vault/plugins/d2/d2%20global.js" {
		t.Fatalf("unexpected resource path %q", got)
	}
}

func TestNormalizePath(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"notes/a.md":         "notes/a.md",
		"/notes//a.md":       "notes/a.md",
		`notes\sub\b.md`:     "notes/sub/b.md",
		"./notes/./c.md":     "notes/c.md",
		" .d2vault/plugins ": ".d2vault/plugins",
	}
	for in, want := range cases {
		if got := vault.NormalizePath(in); got != want {
			t.Errorf("NormalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func newTestService(t *testing.T, root string) *vault.Service {
	t.Helper()
	adapter, err := vault.NewAdapter(root)
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := vault.NewService(ctx, adapter, renderer.NewService(discardLogger()), discardLogger())
	if err != nil {
		cancel()
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		_ = svc.Close()
		cancel()
	})
	return svc
}

func writeNote(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDocumentsAndNotes(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeNote(t, root, "index.md", "---\ntitle: Welcome Home\n---\n\n# Welcome\n")
	writeNote(t, root, "guides/getting_started.md", "# Start\n")
	writeNote(t, root, ".d2vault/plugins/d2/notes.md", "# hidden\n")
	writeNote(t, root, "guides/image.png", "png")

	svc := newTestService(t, root)

	doc, err := svc.Document(context.Background(), "index")
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if doc.Metadata.Title != "Welcome Home" || !strings.Contains(doc.HTML, "Welcome") {
		t.Fatalf("unexpected document %+v", doc)
	}

	if _, err := svc.Document(context.Background(), "../etc/passwd"); !errors.Is(err, vault.ErrOutsideVault) {
		t.Fatalf("expected traversal rejection, got %v", err)
	}
	if _, err := svc.Document(context.Background(), "missing"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not exist, got %v", err)
	}

	notes, err := svc.Notes(context.Background())
	if err != nil {
		t.Fatalf("Notes: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("expected 2 notes, got %+v", notes)
	}
	if notes[0].Path != "guides/getting_started.md" || notes[0].Title != "getting started" {
		t.Fatalf("unexpected first note %+v", notes[0])
	}
	if notes[1].Path != "index.md" {
		t.Fatalf("unexpected second note %+v", notes[1])
	}
}

func TestServiceEmitsEventsOnFileChangeAndNotice(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writeNote(t, root, "index.md", "# Welcome\n")

	svc := newTestService(t, root)

	subCtx, subCancel := context.WithCancel(context.Background())
	ch := svc.Subscribe(subCtx)
	t.Cleanup(subCancel)

	svc.Notice(context.Background(), "D2 runtime ready.")
	select {
	case evt := <-ch:
		if evt.Type != "notice" || evt.Message != "D2 runtime ready." {
			t.Fatalf("unexpected notice event %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatalf("did not receive notice event")
	}

	// Give the watcher time to attach.
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "index.md"), []byte("# Updated\n"), 0o644); err != nil {
		t.Fatalf("failed to write test document: %v", err)
	}

	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == "pageUpdated" && evt.Path == "index.md" {
				return
			}
		case <-timeout:
			t.Fatalf("did not receive expected pageUpdated event")
		}
	}
}
