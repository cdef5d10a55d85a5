// Package system provides the deterministic start/stop lifecycle manager
// that internal/app wires the broker's components into — grounded on the
// teacher's applications/system package (Manager/Service/DescriptorProvider
// shape), adapted to describe broker components (queue, registry, runner,
// HTTP API) instead of the teacher's own service layers.
package system

import "context"

// Service is a lifecycle-managed broker component.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Descriptor advertises what a component does to the Manager, in place of the teacher's core.Descriptor (that type lived in a
// framework package this module has no use for).
type Descriptor struct {
	Name         string
	Layer        string
	Capabilities []string
	DependsOn    []string
}

// DescriptorProvider optionally advertises component metadata.
type DescriptorProvider interface {
	Descriptor() Descriptor
}
