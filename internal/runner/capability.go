package runner

import (
	"fmt"
	"slices"
	"strings"
)

// Capability is a sandbox permission a runner may be granted.  Anything
// not granted is denied.
type Capability string

const (
	// CapNetworkEgress allows outbound network access.
	CapNetworkEgress Capability = "network-egress"
	// CapWritableRootfs makes the root filesystem writable.
	CapWritableRootfs Capability = "writable-rootfs"
	// CapSysPtrace allows tracing processes (debuggers, strace).
	CapSysPtrace Capability = "sys-ptrace"
	// CapNestedContainers allows running containers inside the runner.
	CapNestedContainers Capability = "nested-containers"
	// CapKVM exposes hardware virtualization to the runner.
	CapKVM Capability = "kvm"
)

// KnownCapabilities lists every capability the fleet understands.
func KnownCapabilities() []Capability {
	return []Capability{
		CapKVM,
		CapNestedContainers,
		CapNetworkEgress,
		CapSysPtrace,
		CapWritableRootfs,
	}
}

// IsKnown reports whether c is a capability the fleet understands.
func (c Capability) IsKnown() bool {
	return slices.Contains(KnownCapabilities(), c)
}

// CapabilitySet is a non-empty, immutable set of capabilities.  The zero
// value is empty and grants nothing; policy.Compute rejects it, so callers
// substitute the configured default set themselves.
type CapabilitySet struct {
	caps []Capability // sorted, unique
}

// NewCapabilitySet builds a set from caps.  Unknown or missing
// capabilities are rejected.
func NewCapabilitySet(caps ...Capability) (CapabilitySet, error) {
	if len(caps) == 0 {
		return CapabilitySet{}, fmt.Errorf("%w: capability set is empty", ErrValidation)
	}
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if !c.IsKnown() {
			return CapabilitySet{}, fmt.Errorf("%w: unknown capability %q", ErrValidation, c)
		}
		out = append(out, c)
	}
	slices.Sort(out)
	return CapabilitySet{caps: slices.Compact(out)}, nil
}

// ParseCapabilitySet builds a set from configuration strings.
func ParseCapabilitySet(names []string) (CapabilitySet, error) {
	caps := make([]Capability, 0, len(names))
	for _, n := range names {
		caps = append(caps, Capability(strings.ToLower(strings.TrimSpace(n))))
	}
	return NewCapabilitySet(caps...)
}

// Has reports whether c is granted.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := slices.BinarySearch(s.caps, c)
	return ok
}

// List returns a copy of the granted capabilities in sorted order.
func (s CapabilitySet) List() []Capability {
	return slices.Clone(s.caps)
}

// Strings returns the granted capabilities as strings.
func (s CapabilitySet) Strings() []string {
	out := make([]string, len(s.caps))
	for i, c := range s.caps {
		out[i] = string(c)
	}
	return out
}

// Len returns the number of granted capabilities.
func (s CapabilitySet) Len() int { return len(s.caps) }

// IsEmpty reports whether the set grants nothing.
func (s CapabilitySet) IsEmpty() bool { return len(s.caps) == 0 }

func (s CapabilitySet) String() string {
	return strings.Join(s.Strings(), ",")
}
