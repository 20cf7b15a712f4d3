package dynld

import "errors"

var (
	// ErrInvalidMode rejects a load mode with bits outside the valid set or
	// without a binding policy. Detected before any I/O.
	ErrInvalidMode = errors.New("invalid mode parameter")

	// ErrNotFound reports that a module or dependency byte source could not
	// be located. Wrapping errors name the exact requested file and, for
	// dependencies, the immediate requester.
	ErrNotFound = errors.New("not found")

	// ErrNotResident reports a NoLoad probe for a module that is not in the
	// registry.
	ErrNotResident = errors.New("module not resident")

	// ErrSymbolNotFound reports an undefined symbol with no definition
	// anywhere in the requesting module's scope.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrUnsupportedReloc reports a relocation type the applier has no table
	// entry for. Never skipped silently.
	ErrUnsupportedReloc = errors.New("unsupported relocation type")

	// ErrUnloaded reports use of a module handle whose mapping was already
	// released.
	ErrUnloaded = errors.New("module has been unloaded")
)
