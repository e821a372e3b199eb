package runner

import (
	"fmt"
	"strings"
)

// minHashLen is the shortest content hash prefix accepted in an image
// reference.
const minHashLen = 8

// ImageRef names a provider-scoped base image together with the content
// hash it must verify against.  Once published, the artifact behind a
// reference never changes.
type ImageRef struct {
	// Name is the provider-scoped identifier, e.g. "ubuntu-22.04" for an
	// LXC rootfs or "ghcr.io/actions/actions-runner:2.323.0" for an OCI
	// image.
	Name string

	// Hash is a lowercase hex prefix of the artifact's sha256 digest.
	Hash string
}

// ParseImageRef parses "name:hash" (split on the last colon) or
// "name@sha256:hex".
func ParseImageRef(s string) (ImageRef, error) {
	s = strings.TrimSpace(s)
	var name, hash string
	if before, after, ok := strings.Cut(s, "@"); ok {
		algo, hex, ok := strings.Cut(after, ":")
		if !ok || algo != "sha256" {
			return ImageRef{}, fmt.Errorf("%w: image %q: only sha256 digests are supported", ErrValidation, s)
		}
		name, hash = before, hex
	} else {
		i := strings.LastIndex(s, ":")
		if i < 0 {
			return ImageRef{}, fmt.Errorf("%w: image %q: missing content hash", ErrValidation, s)
		}
		name, hash = s[:i], s[i+1:]
	}

	ref := ImageRef{Name: name, Hash: strings.ToLower(hash)}
	if err := ref.Validate(); err != nil {
		return ImageRef{}, err
	}
	return ref, nil
}

// Validate reports whether the reference is well formed.
func (r ImageRef) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: image name is empty", ErrValidation)
	}
	if len(r.Hash) < minHashLen {
		return fmt.Errorf("%w: image %s: hash must be at least %d hex characters", ErrValidation, r.Name, minHashLen)
	}
	for _, c := range r.Hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: image %s: hash %q is not lowercase hex", ErrValidation, r.Name, r.Hash)
		}
	}
	return nil
}

// IsZero reports whether r is the zero reference.
func (r ImageRef) IsZero() bool { return r.Name == "" && r.Hash == "" }

func (r ImageRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Name + ":" + r.Hash
}
