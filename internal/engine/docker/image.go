package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/image"
	digest "github.com/opencontainers/go-digest"

	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ImageSource pulls OCI images into the daemon.  The reference hash is
// matched against the image id, which is the digest of the image config.
type ImageSource struct {
	api    dockerAPI
	logger *slog.Logger
}

var _ imagestore.Source = (*ImageSource)(nil)

// ImageSource returns an image source backed by this driver's daemon.
func (d *Driver) ImageSource() *ImageSource {
	return &ImageSource{api: d.api, logger: d.logger}
}

// Fetch pulls ref.Name and reports the resulting image id.
func (s *ImageSource) Fetch(ctx context.Context, ref runner.ImageRef) (imagestore.Fetched, error) {
	s.logger.Info("pulling runner image", slog.String("image", ref.Name))

	pull, err := s.api.ImagePull(ctx, ref.Name, image.PullOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return imagestore.Fetched{}, fmt.Errorf("%w: image pull %s: %w", runner.ErrNotFound, ref.Name, err)
		}
		return imagestore.Fetched{}, fmt.Errorf("image pull %s: %w", ref.Name, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		pull.Close()
		return imagestore.Fetched{}, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		return imagestore.Fetched{}, fmt.Errorf("closing image pull stream: %w", err)
	}

	info, err := s.api.ImageInspect(ctx, ref.Name)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return imagestore.Fetched{}, fmt.Errorf("%w: image %s: %w", runner.ErrNotFound, ref.Name, err)
		}
		return imagestore.Fetched{}, fmt.Errorf("image inspect %s: %w", ref.Name, err)
	}
	d, err := digest.Parse(info.ID)
	if err != nil {
		return imagestore.Fetched{}, fmt.Errorf("image %s: parse id %q: %w", ref.Name, info.ID, err)
	}

	s.logger.Info("runner image ready", slog.String("image", ref.Name), slog.String("id", info.ID))
	return imagestore.Fetched{Locator: info.ID, Digest: d, Size: info.Size}, nil
}
