package vault

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ErrOutsideVault is returned for paths that resolve outside the vault root.
var ErrOutsideVault = errors.New("path escapes vault root")

// resourcePrefix is the URL prefix under which vault files are served.
const resourcePrefix = "/resource/"

// Adapter is the vault's file storage: every path it accepts is vault-relative
// and slash-separated.
type Adapter struct {
	root string
}

// NewAdapter returns an adapter rooted at root.
func NewAdapter(root string) (*Adapter, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("vault root must be provided")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	return &Adapter{root: abs}, nil
}

// Root returns the absolute vault directory.
func (a *Adapter) Root() string {
	return a.root
}

// NormalizePath cleans a vault-relative path: forward slashes, no leading
// slash, no "." segments.
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}

// Resolve maps a vault-relative path to an absolute filesystem path inside the root.
func (a *Adapter) Resolve(rel string) (string, error) {
	for _, segment := range strings.Split(strings.ReplaceAll(rel, "\\", "/"), "/") {
		if segment == ".." {
			return "", fmt.Errorf("%s: %w", rel, ErrOutsideVault)
		}
	}
	clean := NormalizePath(rel)
	abs := filepath.Join(a.root, filepath.FromSlash(clean))
	relToRoot, err := filepath.Rel(a.root, abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rel, err)
	}
	if relToRoot == ".." || strings.HasPrefix(relToRoot, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("%s: %w", rel, ErrOutsideVault)
	}
	return abs, nil
}

// Exists reports whether rel exists.
func (a *Adapter) Exists(rel string) (bool, error) {
	abs, err := a.Resolve(rel)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", rel, err)
	}
	return true, nil
}

// Mkdir creates rel and any missing parents.
func (a *Adapter) Mkdir(rel string) error {
	abs, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil { //nolint:gosec // standard directory permissions
		return fmt.Errorf("create directory %s: %w", rel, err)
	}
	return nil
}

// Write replaces rel with text.
func (a *Adapter) Write(rel, text string) error {
	return a.WriteBinary(rel, []byte(text))
}

// WriteBinary replaces rel with data atomically.
func (a *Adapter) WriteBinary(rel string, data []byte) error {
	abs, err := a.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil { //nolint:gosec // standard directory permissions
		return fmt.Errorf("ensure directory: %w", err)
	}
	return writeFileAtomic(abs, data)
}

// Read returns the contents of rel along with its file info.
func (a *Adapter) Read(rel string) ([]byte, os.FileInfo, error) {
	abs, err := a.Resolve(rel)
	if err != nil {
		return nil, nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("stat %s: %w", rel, err)
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("path %s is a directory", rel)
	}
	data, err := os.ReadFile(abs) //nolint:gosec // abs is validated against the vault root
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, info, nil
}

// ResourcePath returns the URL under which rel is served to the document view.
func (a *Adapter) ResourcePath(rel string) string {
	clean := NormalizePath(rel)
	segments := strings.Split(clean, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return resourcePrefix + strings.Join(segments, "/")
}

func writeFileAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".d2vault-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	keep = true
	return nil
}
