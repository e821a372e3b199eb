package imagestore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	digest "github.com/opencontainers/go-digest"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// HTTPSource downloads images from <base>/<name>.tar.zst (falling back
// to <base>/<name>.tar) into a cache directory, hashing while it
// streams.
type HTTPSource struct {
	baseURL  *url.URL
	cacheDir string
	client   *retryablehttp.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTPSource.  Server errors and connection
// failures are retried by the client; 404 is not.
func NewHTTPSource(baseURL, cacheDir string, logger *slog.Logger) (*HTTPSource, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse image source %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("image source %q: unsupported scheme %q", baseURL, u.Scheme)
	}
	if cacheDir == "" {
		return nil, fmt.Errorf("image source %q: cache directory is required", baseURL)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	client := retryablehttp.NewClient()
	client.Logger = logger.WithGroup("imagestore.http")
	client.RetryMax = 4

	return &HTTPSource{baseURL: u, cacheDir: cacheDir, client: client}, nil
}

// Fetch downloads ref.  The downloaded file is owned by the store.
func (s *HTTPSource) Fetch(ctx context.Context, ref runner.ImageRef) (Fetched, error) {
	for _, ext := range artifactExts {
		f, found, err := s.download(ctx, ref, ext)
		if err != nil {
			return Fetched{}, err
		}
		if found {
			return f, nil
		}
	}
	return Fetched{}, fmt.Errorf("%w: image %s at %s", runner.ErrNotFound, ref.Name, s.baseURL.Redacted())
}

func (s *HTTPSource) download(ctx context.Context, ref runner.ImageRef, ext string) (Fetched, bool, error) {
	src := s.baseURL.JoinPath(ref.Name + ext).String()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return Fetched{}, false, fmt.Errorf("build request %s: %w", src, err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Fetched{}, false, runner.Transient(fmt.Errorf("download %s: %w", src, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Fetched{}, false, nil
	case resp.StatusCode != http.StatusOK:
		return Fetched{}, false, fmt.Errorf("download %s: unexpected status %s", src, resp.Status)
	}

	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return Fetched{}, false, err
	}
	tmp, err := os.CreateTemp(s.cacheDir, ".download-*")
	if err != nil {
		return Fetched{}, false, err
	}
	defer os.Remove(tmp.Name())

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Fetched{}, false, fmt.Errorf("download %s: %w", src, err)
	}

	dst := filepath.Join(s.cacheDir, cacheName(ref)+".download"+ext)
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Fetched{}, false, err
	}
	return Fetched{Path: dst, Digest: digester.Digest(), Size: size, Owned: true}, true, nil
}
