package gpumirror

import "errors"

// ErrUnknownBinding is returned by ApplyRegions when no buffer was
// allocated for the requested GPU binding index.
var ErrUnknownBinding = errors.New("gpumirror: unknown binding")

// ErrRegionOutOfBounds is returned when a CopyRegion's source or
// destination span falls outside the buffer it addresses, which would
// otherwise corrupt unrelated memory.
var ErrRegionOutOfBounds = errors.New("gpumirror: region out of bounds")
