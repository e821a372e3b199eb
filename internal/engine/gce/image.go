package gce

import (
	"context"
	"fmt"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	digest "github.com/opencontainers/go-digest"

	"github.com/terrpan/runnerfleet/internal/imagestore"
	"github.com/terrpan/runnerfleet/internal/runner"
)

const imageReady = "READY"

type imagesAPI interface {
	Get(ctx context.Context, req *computepb.GetImageRequest) (*computepb.Image, error)
	GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest) (*computepb.Image, error)
	Close() error
}

type imagesClient struct {
	c *compute.ImagesClient
}

func (a imagesClient) Get(ctx context.Context, req *computepb.GetImageRequest) (*computepb.Image, error) {
	return a.c.Get(ctx, req)
}

func (a imagesClient) GetFromFamily(ctx context.Context, req *computepb.GetFromFamilyImageRequest) (*computepb.Image, error) {
	return a.c.GetFromFamily(ctx, req)
}

func (a imagesClient) Close() error { return a.c.Close() }

// ImageSource resolves runner images in the driver's project.  Compute
// Engine publishes no content hash, so an image's identity digest is the
// sha256 of "<selfLink>@<id>": the numeric id changes whenever an image
// of the same name is recreated.
type ImageSource struct {
	images  imagesAPI
	project string
}

var _ imagestore.Source = (*ImageSource)(nil)

// ImageSource returns an image source backed by this driver's project.
func (d *Driver) ImageSource() *ImageSource {
	return &ImageSource{images: d.images, project: d.cfg.Project}
}

// Fetch looks up ref.Name, which is an image name, "family/<family>", or
// "projects/<project>/global/images/..." path.
func (s *ImageSource) Fetch(ctx context.Context, ref runner.ImageRef) (imagestore.Fetched, error) {
	project, name := s.project, ref.Name
	if rest, ok := strings.CutPrefix(name, "projects/"); ok {
		p, img, ok := strings.Cut(rest, "/global/images/")
		if !ok {
			return imagestore.Fetched{}, fmt.Errorf("%w: image path %q", runner.ErrValidation, ref.Name)
		}
		project, name = p, img
	}

	var (
		img *computepb.Image
		err error
	)
	if family, ok := strings.CutPrefix(name, "family/"); ok {
		img, err = s.images.GetFromFamily(ctx, &computepb.GetFromFamilyImageRequest{Project: project, Family: family})
	} else {
		img, err = s.images.Get(ctx, &computepb.GetImageRequest{Project: project, Image: name})
	}
	if err != nil {
		if isNotFound(err) {
			return imagestore.Fetched{}, fmt.Errorf("%w: image %s: %w", runner.ErrNotFound, ref.Name, err)
		}
		return imagestore.Fetched{}, fmt.Errorf("get image %s: %w", ref.Name, err)
	}
	if img.GetStatus() != imageReady {
		return imagestore.Fetched{}, runner.Transient(fmt.Errorf("image %s is %s", ref.Name, img.GetStatus()))
	}

	return imagestore.Fetched{
		Locator: img.GetSelfLink(),
		Digest:  ImageDigest(img.GetSelfLink(), img.GetId()),
		Size:    img.GetArchiveSizeBytes(),
	}, nil
}

// ImageDigest returns the identity digest of a Compute Engine image.
func ImageDigest(selfLink string, id uint64) digest.Digest {
	return digest.FromString(fmt.Sprintf("%s@%d", selfLink, id))
}
