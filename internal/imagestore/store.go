// Package imagestore caches provider-scoped base images and verifies
// their content hash before handing them to a driver.
//
// A cache miss triggers exactly one fetch per image reference no matter
// how many callers ask for it concurrently; every caller receives the
// same verified Artifact.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// DefaultFetchTimeout bounds a single shared fetch.  Callers may give up
// earlier; the shared fetch keeps running for the others.
const DefaultFetchTimeout = 30 * time.Minute

// DefaultCacheDir is the per-user image cache.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, "runnerfleet", "images")
}

// Artifact is a verified, published image.
type Artifact struct {
	Ref    runner.ImageRef
	Digest digest.Digest

	// Path is the local artifact file, if the source produced one.
	Path string

	// Locator is the backend-specific name a driver uses to reference
	// the image (an OCI reference, a GCE image self-link).
	Locator string

	Size      int64
	FetchedAt time.Time
}

// Fetched is what a Source hands back before verification.
type Fetched struct {
	Path    string
	Locator string
	Digest  digest.Digest
	Size    int64

	// Owned marks Path as a file the store may delete or replace.
	Owned bool
}

// Source retrieves an image from its origin.  Implementations return an
// error wrapping runner.ErrNotFound when the origin has no such image.
type Source interface {
	Fetch(ctx context.Context, ref runner.ImageRef) (Fetched, error)
}

// Config configures a Store.
type Config struct {
	Source       Source
	CacheDir     string
	FetchTimeout time.Duration
	Logger       *slog.Logger
}

// Store is a concurrency-safe, coalescing image cache.
type Store struct {
	source       Source
	unpackDir    string
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]Artifact

	fetches metric.Int64Counter
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if cfg.Source == nil {
		return nil, errors.New("imagestore: source is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.CacheDir != "" {
		if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create image cache %s: %w", cfg.CacheDir, err)
		}
	}

	s := &Store{
		source:       cfg.Source,
		unpackDir:    cfg.CacheDir,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger,
		now:          time.Now,
		cache:        make(map[string]Artifact),
	}
	// Decompressed artifacts never land beside the source files.
	if s.unpackDir == "" {
		s.unpackDir = DefaultCacheDir()
	}

	var err error
	s.fetches, err = otel.Meter("runnerfleet/imagestore").Int64Counter(
		"runnerfleet.images.fetches",
		metric.WithDescription("Image fetch requests by result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create fetches counter", slog.String("error", err.Error()))
	}
	return s, nil
}

// Fetch returns the verified artifact for ref, fetching it on a cache
// miss.  Cancelling ctx abandons the wait but not the shared fetch.
func (s *Store) Fetch(ctx context.Context, ref runner.ImageRef) (Artifact, error) {
	if err := ref.Validate(); err != nil {
		return Artifact{}, err
	}
	key := ref.String()

	if a, ok := s.lookup(key); ok {
		s.record(ctx, "hit")
		return a, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.fetchTimeout)
		defer cancel()
		return s.fetch(fctx, ref)
	})

	select {
	case <-ctx.Done():
		return Artifact{}, fmt.Errorf("fetch image %s: %w", ref, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			s.record(ctx, "error")
			return Artifact{}, res.Err
		}
		if res.Shared {
			s.record(ctx, "shared")
		} else {
			s.record(ctx, "miss")
		}
		return res.Val.(Artifact), nil
	}
}

// Cached reports whether ref has already been published.
func (s *Store) Cached(ref runner.ImageRef) bool {
	_, ok := s.lookup(ref.String())
	return ok
}

func (s *Store) lookup(key string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.cache[key]
	return a, ok
}

func (s *Store) fetch(ctx context.Context, ref runner.ImageRef) (Artifact, error) {
	// A previous flight may have published while we were queued.
	if a, ok := s.lookup(ref.String()); ok {
		return a, nil
	}

	start := s.now()
	s.logger.Info("fetching image", slog.String("image", ref.String()))

	f, err := s.source.Fetch(ctx, ref)
	if err != nil {
		return Artifact{}, fmt.Errorf("fetch image %s: %w", ref, err)
	}

	if err := f.Digest.Validate(); err != nil {
		s.discard(f)
		return Artifact{}, fmt.Errorf("%w: image %s: invalid digest %q: %w", runner.ErrIntegrity, ref, f.Digest, err)
	}
	if !strings.HasPrefix(f.Digest.Encoded(), ref.Hash) {
		s.discard(f)
		return Artifact{}, fmt.Errorf("%w: image %s: got digest %s", runner.ErrIntegrity, ref, f.Digest)
	}

	path := f.Path
	if strings.HasSuffix(path, ".zst") {
		path, err = s.decompress(f, ref)
		if err != nil {
			s.discard(f)
			return Artifact{}, fmt.Errorf("decompress image %s: %w", ref, err)
		}
	}

	a := Artifact{
		Ref:       ref,
		Digest:    f.Digest,
		Path:      path,
		Locator:   f.Locator,
		Size:      f.Size,
		FetchedAt: s.now(),
	}

	s.mu.Lock()
	s.cache[ref.String()] = a
	s.mu.Unlock()

	s.logger.Info("image published",
		slog.String("image", ref.String()),
		slog.String("digest", a.Digest.String()),
		slog.Duration("elapsed", s.now().Sub(start)),
	)
	return a, nil
}

func (s *Store) discard(f Fetched) {
	if !f.Owned || f.Path == "" {
		return
	}
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove unverified image", slog.String("path", f.Path), slog.String("error", err.Error()))
	}
}

func (s *Store) decompress(f Fetched, ref runner.ImageRef) (string, error) {
	dir := s.unpackDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, cacheName(ref)+".tar")

	in, err := os.Open(f.Path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return "", err
	}
	defer dec.Close()

	tmp, err := os.CreateTemp(dir, ".unpack-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, dec); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}
	s.discard(f)
	return dst, nil
}

func (s *Store) record(ctx context.Context, result string) {
	if s.fetches == nil {
		return
	}
	s.fetches.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// cacheName turns a reference into a flat file name.
func cacheName(ref runner.ImageRef) string {
	r := strings.NewReplacer("/", "_", ":", "_", "@", "_")
	return r.Replace(ref.Name) + "-" + ref.Hash
}
