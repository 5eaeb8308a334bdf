package memgrid

import "errors"

// Sentinel error kinds (SPEC_FULL.md section 7). ErrPositionOutsideGrid and
// ErrSlotLoading describe conditions that are surfaced to callers as a
// second boolean "ok" return rather than an error value — they exist here
// so that logging and diagnostic wrapping (e.g. in pkg/loader, when a
// recovered panic needs a descriptive %w-wrapped message) has a named
// constant to point at.
var (
	ErrPositionOutsideGrid  = errors.New("memgrid: position outside grid")
	ErrSlotLoading          = errors.New("memgrid: slot is loading")
	ErrLoaderPanicked       = errors.New("memgrid: loader worker panicked")
	ErrConfigurationInvalid = errors.New("memgrid: invalid configuration")
)
