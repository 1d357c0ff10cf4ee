// Package vault provides access to the note vault on disk: path-safe file
// storage for plugins, note rendering, listing and change notifications.
package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/euforicio/d2vault/internal/renderer"
)

const (
	eventTypeTreeUpdated = "treeUpdated"
	eventTypeDeleted     = "deleted"
	eventTypePageUpdated = "pageUpdated"
	eventTypeNotice      = "notice"
	eventTypeUnknown     = "unknown"
)

// Event describes change notifications emitted to subscribers.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Path      string    `json:"path,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// Note is a markdown file inside the vault.
type Note struct {
	Modified time.Time `json:"modified"`
	Path     string    `json:"path"`
	Title    string    `json:"title"`
	Size     int64     `json:"size"`
}

// Service coordinates note rendering and change notifications.
type Service struct {
	ctx         context.Context
	logger      *slog.Logger
	watcher     *fsnotify.Watcher
	renderer    *renderer.Service
	adapter     *Adapter
	cancel      context.CancelFunc
	subscribers map[uint64]*subscriber
	subCounter  atomic.Uint64
	subsMu      sync.RWMutex
}

type subscriber struct {
	ctx context.Context
	ch  chan Event
}

var excludedDirs = map[string]struct{}{
	"node_modules": {},
	"vendor":       {},
	"__pycache__":  {},
}

// NewService starts watching the vault rooted at adapter.Root().
func NewService(parentCtx context.Context, adapter *Adapter, rendererSvc *renderer.Service, logger *slog.Logger) (*Service, error) {
	if adapter == nil {
		return nil, errors.New("vault adapter must be provided")
	}
	if rendererSvc == nil {
		return nil, errors.New("renderer service must be provided")
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(adapter.Root())
	if err != nil {
		return nil, fmt.Errorf("stat vault: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault %s is not a directory", adapter.Root())
	}

	ctx, cancel := context.WithCancel(parentCtx)

	svc := &Service{
		adapter:     adapter,
		renderer:    rendererSvc,
		logger:      logger.With("component", "vault"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]*subscriber),
	}

	if err := svc.startWatcher(); err != nil {
		cancel()
		return nil, err
	}

	return svc, nil
}

// Close releases resources associated with the service.
func (s *Service) Close() error {
	s.cancel()
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// Adapter returns the underlying file storage.
func (s *Service) Adapter() *Adapter {
	return s.adapter
}

// Document loads and renders a note by vault-relative path. The ".md"
// extension is optional.
func (s *Service) Document(ctx context.Context, relPath string) (renderer.Document, error) {
	if err := ctx.Err(); err != nil {
		return renderer.Document{}, err
	}

	rel, err := NotePath(relPath)
	if err != nil {
		return renderer.Document{}, err
	}

	content, info, err := s.adapter.Read(rel)
	if err != nil {
		return renderer.Document{}, err
	}

	return s.renderer.Render(ctx, rel, info.ModTime(), content)
}

// Notes lists markdown files in the vault, skipping hidden and excluded directories.
func (s *Service) Notes(ctx context.Context) ([]Note, error) {
	var notes []Note
	root := s.adapter.Root()
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && isSkippedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") || !isMarkdownPath(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", p, err)
		}
		notes = append(notes, Note{
			Path:     s.relativePath(p),
			Title:    TitleFromPath(d.Name()),
			Modified: info.ModTime(),
			Size:     info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	sort.Slice(notes, func(i, j int) bool {
		return strings.ToLower(notes[i].Path) < strings.ToLower(notes[j].Path)
	})
	return notes, nil
}

// Notice implements host.Notifier by logging msg and broadcasting it to subscribers.
func (s *Service) Notice(ctx context.Context, msg string) {
	s.logger.InfoContext(ctx, "notice", slog.String("message", msg))
	s.broadcast(Event{Type: eventTypeNotice, Message: msg, Timestamp: time.Now()})
}

// Subscribe registers for change events. The returned channel will close when ctx is done.
func (s *Service) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 8)
	id := s.subCounter.Add(1)

	s.subsMu.Lock()
	s.subscribers[id] = &subscriber{ctx: ctx, ch: ch}
	s.subsMu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.ctx.Done():
		}
		s.removeSubscriber(id)
	}()

	return ch
}

func (s *Service) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = watcher

	if err := s.watchRecursive(s.adapter.Root()); err != nil {
		_ = watcher.Close()
		return err
	}

	go s.runWatcher()
	return nil
}

func (s *Service) runWatcher() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleEvent(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("watcher error", slog.Any("err", err))
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}

	rel := s.relativePath(event.Name)
	op := event.Op

	s.logger.Debug("fsnotify event", slog.String("path", rel), slog.String("op", op.String()))

	isMarkdown := isMarkdownPath(event.Name)

	if isMarkdown && op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
		s.renderer.Invalidate(rel)
	}

	if op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = s.watchRecursive(event.Name)
		}
	}

	s.broadcast(Event{Type: classifyEvent(event.Name, op, isMarkdown), Path: rel, Timestamp: time.Now()})
}

func (s *Service) broadcast(evt Event) {
	s.subsMu.RLock()
	var stale []uint64
	for id, sub := range s.subscribers {
		select {
		case <-sub.ctx.Done():
			stale = append(stale, id)
		case <-s.ctx.Done():
			stale = append(stale, id)
		case sub.ch <- evt:
		default:
			// drop event when subscriber lags
		}
	}
	s.subsMu.RUnlock()

	for _, id := range stale {
		s.removeSubscriber(id)
	}
}

func (s *Service) removeSubscriber(id uint64) {
	s.subsMu.Lock()
	if sub, ok := s.subscribers[id]; ok {
		close(sub.ch)
		delete(s.subscribers, id)
	}
	s.subsMu.Unlock()
}

func (s *Service) watchRecursive(dir string) error {
	root := s.adapter.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && isSkippedDir(d.Name()) {
				return filepath.SkipDir
			}
			if err := s.watcher.Add(path); err != nil {
				s.logger.Warn("failed to watch directory", slog.String("path", path), slog.Any("err", err))
			}
		}
		return nil
	})
}

func (s *Service) relativePath(abs string) string {
	rel, err := filepath.Rel(s.adapter.Root(), abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(rel)
}

func classifyEvent(path string, op fsnotify.Op, isMarkdown bool) string {
	switch {
	case op&fsnotify.Remove != 0:
		if isMarkdown {
			if _, err := os.Stat(path); err == nil {
				return eventTypePageUpdated
			}
			return eventTypeDeleted
		}
		return eventTypeTreeUpdated
	case op&fsnotify.Rename != 0:
		return eventTypeTreeUpdated
	case op&(fsnotify.Write|fsnotify.Create) != 0:
		if isMarkdown {
			return eventTypePageUpdated
		}
		return eventTypeTreeUpdated
	default:
		return eventTypeUnknown
	}
}

// NotePath validates a note path and appends ".md" when no markdown extension is present.
func NotePath(relPath string) (string, error) {
	trimmed := strings.TrimSpace(relPath)
	if trimmed == "" {
		return "", fmt.Errorf("invalid path: %s", relPath)
	}
	for _, segment := range strings.Split(filepath.ToSlash(trimmed), "/") {
		if segment == ".." {
			return "", fmt.Errorf("%s: %w", relPath, ErrOutsideVault)
		}
	}
	clean := NormalizePath(trimmed)
	if clean == "" || clean == "." {
		return "", fmt.Errorf("invalid path: %s", relPath)
	}
	if !isMarkdownPath(clean) {
		clean += ".md"
	}
	return clean, nil
}

// TitleFromPath derives a display title from a note file name.
func TitleFromPath(p string) string {
	name := filepath.Base(filepath.FromSlash(p))
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

func isSkippedDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := excludedDirs[strings.ToLower(name)]
	return ok
}

func isMarkdownPath(path string) bool {
	name := strings.ToLower(path)
	return strings.HasSuffix(name, ".md") || strings.HasSuffix(name, ".markdown")
}
