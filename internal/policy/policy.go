// Package policy maps a declared capability set onto the sandbox
// constraints a provider must enforce.  Everything here is pure: no I/O,
// no clocks, no shared state.
package policy

import (
	"fmt"
	"slices"

	"github.com/terrpan/runnerfleet/internal/runner"
)

// DropAll is the Linux capability drop list applied to every runner.
const DropAll = "ALL"

// DevKVM is the device node exposed to runners granted CapKVM.
const DevKVM = "/dev/kvm"

// Descriptor is the backend-neutral sandbox a driver must realize.
// Anything not explicitly enabled here is denied.
type Descriptor struct {
	Kind    runner.Kind
	Granted runner.CapabilitySet

	NetworkEgress    bool
	ReadOnlyRootfs   bool
	NoNewPrivileges  bool
	NestedContainers bool

	// LinuxCapsDrop is always [ALL]; LinuxCapsAdd re-adds individual
	// capabilities on top of the empty set.
	LinuxCapsDrop []string
	LinuxCapsAdd  []string

	// Devices lists host device nodes passed through to the runner.
	Devices []string
}

var supported = map[runner.Kind][]runner.Capability{
	runner.KindDocker: {
		runner.CapKVM,
		runner.CapNestedContainers,
		runner.CapNetworkEgress,
		runner.CapSysPtrace,
		runner.CapWritableRootfs,
	},
	runner.KindContainerd: {
		runner.CapKVM,
		runner.CapNetworkEgress,
		runner.CapSysPtrace,
		runner.CapWritableRootfs,
	},
	runner.KindLXC: {
		runner.CapKVM,
		runner.CapNestedContainers,
		runner.CapNetworkEgress,
		runner.CapSysPtrace,
		runner.CapWritableRootfs,
	},
	// A VM is its own kernel; ptrace is always available inside it and
	// never needs granting.
	runner.KindGCE: {
		runner.CapKVM,
		runner.CapNestedContainers,
		runner.CapNetworkEgress,
		runner.CapWritableRootfs,
	},
}

// Supported returns the capabilities kind is able to grant.
func Supported(kind runner.Kind) []runner.Capability {
	return slices.Clone(supported[kind])
}

// Compute returns the sandbox descriptor for caps on kind.  Unknown
// kinds, unknown capabilities and capabilities the provider cannot
// grant are rejected with runner.ErrValidation.
func Compute(kind runner.Kind, caps runner.CapabilitySet) (Descriptor, error) {
	allowed, ok := supported[kind]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: unknown provider %q", runner.ErrValidation, kind)
	}
	if caps.IsEmpty() {
		return Descriptor{}, fmt.Errorf("%w: capability set is empty", runner.ErrValidation)
	}
	for _, c := range caps.List() {
		if !c.IsKnown() {
			return Descriptor{}, fmt.Errorf("%w: unknown capability %q", runner.ErrValidation, c)
		}
		if !slices.Contains(allowed, c) {
			return Descriptor{}, fmt.Errorf("%w: provider %s does not support capability %q", runner.ErrValidation, kind, c)
		}
	}

	d := Descriptor{
		Kind:            kind,
		Granted:         caps,
		NetworkEgress:   caps.Has(runner.CapNetworkEgress),
		ReadOnlyRootfs:  !caps.Has(runner.CapWritableRootfs),
		NoNewPrivileges: true,
		LinuxCapsDrop:   []string{DropAll},
	}
	if caps.Has(runner.CapSysPtrace) {
		d.LinuxCapsAdd = append(d.LinuxCapsAdd, "SYS_PTRACE")
	}
	if caps.Has(runner.CapKVM) {
		d.Devices = append(d.Devices, DevKVM)
	}
	if caps.Has(runner.CapNestedContainers) {
		d.NestedContainers = true
		// Nested runtimes need setuid helpers (newuidmap, runc).
		d.NoNewPrivileges = false
	}
	return d, nil
}

// Grants reports whether the descriptor enables capability c.  It is
// derived from the concrete constraints rather than the declared set.
func (d Descriptor) Grants(c runner.Capability) bool {
	switch c {
	case runner.CapNetworkEgress:
		return d.NetworkEgress
	case runner.CapWritableRootfs:
		return !d.ReadOnlyRootfs
	case runner.CapSysPtrace:
		return slices.Contains(d.LinuxCapsAdd, "SYS_PTRACE")
	case runner.CapNestedContainers:
		return d.NestedContainers
	case runner.CapKVM:
		return slices.Contains(d.Devices, DevKVM)
	}
	return false
}
