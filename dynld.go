// Package dynld is a user-space dynamic loader core for ELF shared objects:
// it resolves a module's transitive NEEDED closure, maps each module into a
// contiguous reserved span, binds symbols across the resolved set in link
// order, applies relocations and lays out static TLS, returning a handle or
// the first fatal error.
//
// The environment supplies two capabilities: a Resolver that opens modules
// by name, and an addrspace.Mapper that reserves and protects spans. Both
// are injected, so a loader can run against the live address space (mmap)
// or fully in memory for inspection and tests.
package dynld

import "github.com/sliverarmory/dynld/addrspace"

// NewProcessLoader builds a loader for the running process: modules are
// located across the given library paths, mapped with mmap, and must match
// the host architecture.
func NewProcessLoader(libraryPath ...string) (*Loader, error) {
	return NewLoader(Options{
		Resolver:        NewPathResolver(libraryPath...),
		Mapper:          addrspace.NewMmapMapper(),
		RequireHostArch: true,
	})
}

// NewInspectLoader builds a loader that resolves and relocates entirely in
// memory. Images never land in the live address space, so any supported
// architecture can be inspected on any host.
func NewInspectLoader(resolver Resolver) (*Loader, error) {
	return NewLoader(Options{Resolver: resolver})
}
