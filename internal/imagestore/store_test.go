package imagestore

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// ---------------------------------------------------------------------------
// Mock source
// ---------------------------------------------------------------------------

type mockSource struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	ctxErr  error
	fetched Fetched
	err     error
}

func (m *mockSource) Fetch(ctx context.Context, _ runner.ImageRef) (Fetched, error) {
	m.mu.Lock()
	m.calls++
	release := m.release
	m.mu.Unlock()

	if release != nil {
		<-release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErr = ctx.Err()
	return m.fetched, m.err
}

func (m *mockSource) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type StoreSuite struct {
	suite.Suite
	ref    runner.ImageRef
	source *mockSource
	store  *Store
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	d := digest.FromString("ubuntu rootfs")
	s.ref = runner.ImageRef{Name: "ubuntu-22.04", Hash: d.Encoded()[:12]}
	s.source = &mockSource{fetched: Fetched{Locator: "ubuntu-22.04", Digest: d, Size: 13}}

	var err error
	s.store, err = New(Config{Source: s.source, Logger: slog.New(slog.DiscardHandler)})
	s.Require().NoError(err)
}

func (s *StoreSuite) TestConcurrentFetchesCoalesce() {
	s.source.release = make(chan struct{})

	const n = 16
	results := make([]Artifact, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			results[i], errs[i] = s.store.Fetch(context.Background(), s.ref)
		})
	}

	s.Require().Eventually(func() bool { return s.source.callCount() == 1 }, time.Second, time.Millisecond)
	close(s.source.release)
	wg.Wait()

	s.Equal(1, s.source.callCount())
	for i := range n {
		s.Require().NoError(errs[i])
		s.Equal(results[0], results[i])
	}
	s.Equal(s.ref, results[0].Ref)
	s.True(s.store.Cached(s.ref))
}

func (s *StoreSuite) TestCacheHit() {
	a, err := s.store.Fetch(context.Background(), s.ref)
	s.Require().NoError(err)

	b, err := s.store.Fetch(context.Background(), s.ref)
	s.Require().NoError(err)

	s.Equal(a, b)
	s.Equal(1, s.source.callCount())
}

func (s *StoreSuite) TestIntegrityMismatch() {
	path := filepath.Join(s.T().TempDir(), "bad.tar")
	s.Require().NoError(os.WriteFile(path, []byte("tampered"), 0o644))
	s.source.fetched = Fetched{Path: path, Digest: digest.FromString("tampered"), Owned: true}

	_, err := s.store.Fetch(context.Background(), s.ref)
	s.ErrorIs(err, runner.ErrIntegrity)
	s.NoFileExists(path)
	s.False(s.store.Cached(s.ref))
}

func (s *StoreSuite) TestNotFound() {
	s.source.err = runner.ErrNotFound

	_, err := s.store.Fetch(context.Background(), s.ref)
	s.ErrorIs(err, runner.ErrNotFound)
	s.False(s.store.Cached(s.ref))
}

func (s *StoreSuite) TestInvalidReference() {
	_, err := s.store.Fetch(context.Background(), runner.ImageRef{Name: "ubuntu"})
	s.ErrorIs(err, runner.ErrValidation)
	s.Equal(0, s.source.callCount())
}

func (s *StoreSuite) TestCancelledCallerDoesNotCancelSharedFetch() {
	s.source.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.store.Fetch(ctx, s.ref)
		done <- err
	}()

	s.Require().Eventually(func() bool { return s.source.callCount() == 1 }, time.Second, time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)

	close(s.source.release)
	s.Eventually(func() bool { return s.store.Cached(s.ref) }, time.Second, time.Millisecond)

	s.source.mu.Lock()
	defer s.source.mu.Unlock()
	s.NoError(s.source.ctxErr)
}

func (s *StoreSuite) TestDecompressFailureDiscardsDownload() {
	garbage := []byte("not a zstd frame")
	path := filepath.Join(s.T().TempDir(), "ubuntu.download.tar.zst")
	s.Require().NoError(os.WriteFile(path, garbage, 0o644))

	d := digest.FromBytes(garbage)
	ref := runner.ImageRef{Name: "ubuntu-22.04", Hash: d.Encoded()[:12]}
	s.source.fetched = Fetched{Path: path, Digest: d, Owned: true}
	s.store.unpackDir = s.T().TempDir()

	_, err := s.store.Fetch(context.Background(), ref)
	s.Require().Error(err)
	s.Contains(err.Error(), "decompress image")
	s.NoFileExists(path)
	s.False(s.store.Cached(ref))

	entries, err := os.ReadDir(s.store.unpackDir)
	s.Require().NoError(err)
	s.Empty(entries, "no partial output is published")
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

func zstdBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(payload)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestFileSourceDecompresses(t *testing.T) {
	root := t.TempDir()
	cache := t.TempDir()
	payload := []byte("rootfs tarball contents")
	compressed := zstdBytes(t, payload)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ubuntu-22.04.tar.zst"), compressed, 0o644))

	ref := runner.ImageRef{Name: "ubuntu-22.04", Hash: digest.FromBytes(compressed).Encoded()[:16]}
	store, err := New(Config{Source: &FileSource{Root: root}, CacheDir: cache})
	require.NoError(t, err)

	a, err := store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "ubuntu-22.04-"+ref.Hash+".tar"), a.Path)

	got, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.FileExists(t, filepath.Join(root, "ubuntu-22.04.tar.zst"), "source files are never removed")
}

func TestFileSourceDecompressesOutsideSourceDir(t *testing.T) {
	root := t.TempDir()
	payload := []byte("rootfs tarball contents")
	compressed := zstdBytes(t, payload)
	require.NoError(t, os.WriteFile(filepath.Join(root, "ubuntu-22.04.tar.zst"), compressed, 0o644))

	ref := runner.ImageRef{Name: "ubuntu-22.04", Hash: digest.FromBytes(compressed).Encoded()[:16]}
	store, err := New(Config{Source: &FileSource{Root: root}})
	require.NoError(t, err)
	assert.Equal(t, DefaultCacheDir(), store.unpackDir)

	unpack := filepath.Join(t.TempDir(), "images")
	store.unpackDir = unpack

	a, err := store.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(unpack, "ubuntu-22.04-"+ref.Hash+".tar"), a.Path)
	assert.NoFileExists(t, filepath.Join(root, "ubuntu-22.04-"+ref.Hash+".tar"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "source directory is left untouched")
}

func TestFileSourceRejectsTraversal(t *testing.T) {
	src := &FileSource{Root: t.TempDir()}
	_, err := src.Fetch(context.Background(), runner.ImageRef{Name: "../etc/passwd", Hash: "abcdef12"})
	assert.ErrorIs(t, err, runner.ErrValidation)
}

func TestFileSourceNotFound(t *testing.T) {
	src := &FileSource{Root: t.TempDir()}
	_, err := src.Fetch(context.Background(), runner.ImageRef{Name: "missing", Hash: "abcdef12"})
	assert.ErrorIs(t, err, runner.ErrNotFound)
}

func TestHTTPSource(t *testing.T) {
	payload := []byte("uncompressed rootfs")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/images/debian-12.tar" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	cache := t.TempDir()
	src, err := NewSource(srv.URL+"/images/", cache, nil)
	require.NoError(t, err)

	ref := runner.ImageRef{Name: "debian-12", Hash: digest.FromBytes(payload).Encoded()[:8]}
	f, err := src.Fetch(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, f.Owned)
	assert.Equal(t, digest.FromBytes(payload), f.Digest)
	assert.Equal(t, int64(len(payload)), f.Size)
	assert.EqualValues(t, 2, hits.Load(), "tries .tar.zst before .tar")

	_, err = src.Fetch(context.Background(), runner.ImageRef{Name: "missing", Hash: "abcdef12"})
	assert.True(t, errors.Is(err, runner.ErrNotFound))
}

func TestNewSourceFile(t *testing.T) {
	src, err := NewSource("file:///var/lib/runnerfleet/images", "", nil)
	require.NoError(t, err)
	assert.Equal(t, &FileSource{Root: "/var/lib/runnerfleet/images"}, src)
}
