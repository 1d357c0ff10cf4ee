// Package assets keeps the D2 runtime files present in the plugin directory.
// The declared files form one versioned group: when any of them is missing the
// whole group is downloaded again so versions are never mixed.
package assets

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/euforicio/d2vault/internal/host"
	"github.com/euforicio/d2vault/internal/metrics"
)

// DefaultBaseURL is the raw-file location the runtime is downloaded from.
const DefaultBaseURL = "https://raw.githubusercontent.com/fonorobert/obsidian-d2js/main"

// Runtime file names.
const (
	RuntimeScript = "d2.global.js"
	RuntimeWasm   = "d2.wasm"
)

// Kind tells how a downloaded asset is persisted.
type Kind int

// Asset kinds.
const (
	KindText Kind = iota
	KindBinary
)

func (k Kind) String() string {
	if k == KindBinary {
		return "binary"
	}
	return "text"
}

// Asset describes one runtime file.
type Asset struct {
	Name string
	Kind Kind
}

// DefaultAssets is the declared runtime set. The global bundle inlines its
// wasm module, so d2.wasm is only needed by callers that opt into WithAssets.
var DefaultAssets = []Asset{
	{Name: RuntimeScript, Kind: KindText},
}

var (
	// ErrFetch marks a download that did not return a success status.
	ErrFetch = errors.New("asset fetch failed")
	// ErrIntegrity marks a downloaded asset whose checksum does not match.
	ErrIntegrity = errors.New("asset checksum mismatch")
)

// FetchError reports a failed download of one asset.
type FetchError struct {
	Asset  string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("failed to fetch %s (%d)", e.Asset, e.Status)
	}
	return fmt.Sprintf("failed to fetch %s: %v", e.Asset, e.Err)
}

// Is matches ErrFetch.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a checksum mismatch.
type IntegrityError struct {
	Asset string
	Got   string
	Want  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: got %s, expected %s", e.Asset, e.Got, e.Want)
}

// Is matches ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Storage is the subset of the vault adapter the provisioner writes through.
type Storage interface {
	Exists(path string) (bool, error)
	Mkdir(path string) error
	Write(path, text string) error
	WriteBinary(path string, data []byte) error
}

// Provisioner downloads the declared runtime assets into a plugin directory.
type Provisioner struct {
	storage   Storage
	fetcher   Fetcher
	notifier  host.Notifier
	logger    *slog.Logger
	baseURL   string
	assets    []Asset
	checksums map[string]string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f Fetcher) Option {
	return func(p *Provisioner) { p.fetcher = f }
}

// WithNotifier routes progress notices to n.
func WithNotifier(n host.Notifier) Option {
	return func(p *Provisioner) { p.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(p *Provisioner) { p.baseURL = strings.TrimRight(u, "/") }
}

// WithAssets replaces the declared asset set.
func WithAssets(assets ...Asset) Option {
	return func(p *Provisioner) { p.assets = append([]Asset(nil), assets...) }
}

// WithChecksums pins SHA-256 hex digests by asset name. Assets without an
// entry are not checked.
func WithChecksums(sums map[string]string) Option {
	return func(p *Provisioner) {
		p.checksums = make(map[string]string, len(sums))
		for name, sum := range sums {
			p.checksums[name] = strings.ToLower(strings.TrimSpace(sum))
		}
	}
}

// NewProvisioner returns a provisioner writing through storage.
func NewProvisioner(storage Storage, opts ...Option) *Provisioner {
	p := &Provisioner{
		storage: storage,
		baseURL: DefaultBaseURL,
		assets:  append([]Asset(nil), DefaultAssets...),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(nil)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "assets")
	return p
}

// Assets returns a copy of the declared set.
func (p *Provisioner) Assets() []Asset {
	return append([]Asset(nil), p.assets...)
}

// Ensure makes every declared asset exist under dir. If any is missing, the
// full set is downloaded and written; nothing is written unless every asset of
// the batch was fetched and verified.
func (p *Provisioner) Ensure(ctx context.Context, dir string) error {
	dir = strings.Trim(path.Clean("/"+dir), "/")

	ok, err := p.storage.Exists(dir)
	if err != nil {
		return fmt.Errorf("check plugin dir: %w", err)
	}
	if !ok {
		if err := p.storage.Mkdir(dir); err != nil {
			return fmt.Errorf("create plugin dir: %w", err)
		}
	}

	missing, err := p.missing(dir)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	p.notice(ctx, fmt.Sprintf("Downloading D2 runtime (%s)…", strings.Join(missing, ", ")))
	if err := p.download(ctx, dir); err != nil {
		return err
	}
	p.notice(ctx, "D2 runtime ready.")
	return nil
}

// Missing lists declared assets absent from dir.
func (p *Provisioner) Missing(dir string) ([]string, error) {
	return p.missing(strings.Trim(path.Clean("/"+dir), "/"))
}

func (p *Provisioner) missing(dir string) ([]string, error) {
	var missing []string
	for _, a := range p.assets {
		ok, err := p.storage.Exists(path.Join(dir, a.Name))
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", a.Name, err)
		}
		if !ok {
			missing = append(missing, a.Name)
		}
	}
	return missing, nil
}

func (p *Provisioner) download(ctx context.Context, dir string) error {
	staged := make([][]byte, len(p.assets))
	for i, a := range p.assets {
		body, err := p.fetch(ctx, a)
		if err != nil {
			metrics.AssetDownloadsTotal.WithLabelValues(a.Name, "error").Inc()
			return err
		}
		if err := p.verify(a.Name, body); err != nil {
			metrics.AssetDownloadsTotal.WithLabelValues(a.Name, "integrity_error").Inc()
			return err
		}
		metrics.AssetDownloadsTotal.WithLabelValues(a.Name, "ok").Inc()
		staged[i] = body
	}

	for i, a := range p.assets {
		target := path.Join(dir, a.Name)
		var err error
		if a.Kind == KindBinary {
			err = p.storage.WriteBinary(target, staged[i])
		} else {
			err = p.storage.Write(target, decodeText(staged[i]))
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", a.Name, err)
		}
		p.logger.Debug("asset written", slog.String("asset", a.Name), slog.String("kind", a.Kind.String()), slog.Int("bytes", len(staged[i])))
	}
	return nil
}

func (p *Provisioner) fetch(ctx context.Context, a Asset) ([]byte, error) {
	u := p.baseURL + "/" + url.PathEscape(a.Name)
	body, err := p.fetcher.Fetch(ctx, u)
	if err != nil {
		var status *StatusError
		if errors.As(err, &status) {
			return nil, &FetchError{Asset: a.Name, Status: status.Code, Err: err}
		}
		return nil, &FetchError{Asset: a.Name, Err: err}
	}
	return body, nil
}

func (p *Provisioner) verify(name string, body []byte) error {
	want, ok := p.checksums[name]
	if !ok || want == "" {
		return nil
	}
	sum := sha256.Sum256(body)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return &IntegrityError{Asset: name, Got: got, Want: want}
	}
	return nil
}

func (p *Provisioner) notice(ctx context.Context, msg string) {
	if p.notifier != nil {
		p.notifier.Notice(ctx, msg)
		return
	}
	p.logger.InfoContext(ctx, msg)
}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func decodeText(body []byte) string {
	return string(bytes.TrimPrefix(body, utf8BOM))
}
