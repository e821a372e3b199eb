package containerd

import (
	"context"
	"os"

	containerd "github.com/containerd/containerd/v2/client"
	"github.com/containerd/containerd/v2/core/containers"
	"github.com/containerd/containerd/v2/pkg/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/terrpan/runnerfleet/internal/policy"
)

// /dev/kvm is misc device 10:232.
const (
	kvmMajor = 10
	kvmMinor = 232
)

func specOpts(image containerd.Image, sb policy.Descriptor) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs("sleep", "infinity"),
	}
	return append(opts, sandboxOpts(sb)...)
}

// sandboxOpts renders the descriptor as OCI spec options.  The default
// spec already gives the container its own network namespace with only
// loopback, which is what denying egress means here.
func sandboxOpts(sb policy.Descriptor) []oci.SpecOpts {
	caps := make([]string, 0, len(sb.LinuxCapsAdd))
	for _, c := range sb.LinuxCapsAdd {
		caps = append(caps, "CAP_"+c)
	}
	opts := []oci.SpecOpts{oci.WithCapabilities(caps)}

	if sb.NoNewPrivileges {
		opts = append(opts, oci.WithNoNewPrivileges)
	}
	if sb.NetworkEgress {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace), oci.WithHostResolvconf)
	}
	if sb.ReadOnlyRootfs {
		opts = append(opts,
			oci.WithRootFSReadonly(),
			oci.WithMounts([]specs.Mount{
				{Destination: "/tmp", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "size=1g"}},
				{Destination: "/run", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "noexec", "size=64m"}},
			}),
		)
	}
	for _, dev := range sb.Devices {
		if dev == policy.DevKVM {
			opts = append(opts, withKVM)
		}
	}
	return opts
}

func withKVM(_ context.Context, _ oci.Client, _ *containers.Container, s *oci.Spec) error {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	major, minor := int64(kvmMajor), int64(kvmMinor)
	mode := uint32(0o660)
	s.Linux.Devices = append(s.Linux.Devices, specs.LinuxDevice{
		Path:     policy.DevKVM,
		Type:     "c",
		Major:    major,
		Minor:    minor,
		FileMode: ptr(os.FileMode(0o020000 | mode)),
	})
	if s.Linux.Resources == nil {
		s.Linux.Resources = &specs.LinuxResources{}
	}
	s.Linux.Resources.Devices = append(s.Linux.Resources.Devices, specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   "c",
		Major:  &major,
		Minor:  &minor,
		Access: "rwm",
	})
	return nil
}

func ptr[T any](v T) *T { return &v }
