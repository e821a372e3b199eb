package runner

import (
	"fmt"
	"strings"
)

// Kind identifies a virtualization backend.
type Kind string

const (
	// KindDocker runs each runner as a Docker container.
	KindDocker Kind = "docker"
	// KindContainerd runs each runner as a containerd container + task.
	KindContainerd Kind = "containerd"
	// KindLXC runs each runner as a system container via the LXC tools.
	KindLXC Kind = "lxc"
	// KindGCE runs each runner as a Compute Engine VM.
	KindGCE Kind = "gce"
)

// Kinds lists every supported backend in a stable order.
func Kinds() []Kind {
	return []Kind{KindDocker, KindContainerd, KindLXC, KindGCE}
}

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown provider %q", ErrValidation, s)
}

func (k Kind) String() string { return string(k) }
