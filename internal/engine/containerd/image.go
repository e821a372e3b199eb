package containerd

import (
	"context"
	"fmt"
	"log/slog"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/errdefs"

	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/runner"
)

// ImageSource pulls and unpacks images into the driver's namespace.
// The reference hash is matched against the manifest (or index) digest.
type ImageSource struct {
	client      *containerd.Client
	snapshotter string
	logger      *slog.Logger
}

var _ imagestore.Source = (*ImageSource)(nil)

// ImageSource returns an image source backed by this driver's daemon.
func (d *Driver) ImageSource() *ImageSource {
	return &ImageSource{client: d.client, snapshotter: d.cfg.Snapshotter, logger: d.logger}
}

// Fetch pulls ref.Name unless it is already present.
func (s *ImageSource) Fetch(ctx context.Context, ref runner.ImageRef) (imagestore.Fetched, error) {
	img, err := s.client.GetImage(ctx, ref.Name)
	if err != nil {
		if !errdefs.IsNotFound(err) {
			return imagestore.Fetched{}, classify(nil, "get image "+ref.Name, err)
		}

		s.logger.Info("pulling runner image", slog.String("image", ref.Name))
		img, err = s.client.Pull(ctx, ref.Name,
			containerd.WithPullUnpack,
			containerd.WithPullSnapshotter(s.snapshotter),
		)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return imagestore.Fetched{}, fmt.Errorf("%w: pull %s: %w", runner.ErrNotFound, ref.Name, err)
			}
			return imagestore.Fetched{}, runner.Transient(fmt.Errorf("pull %s: %w", ref.Name, err))
		}
	}

	target := img.Target()
	return imagestore.Fetched{
		Locator: img.Name(),
		Digest:  target.Digest,
		Size:    target.Size,
	}, nil
}
