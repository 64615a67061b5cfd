package directory

import "errors"

// ErrDirectoryUnavailable is returned when a directory operation's
// hop_count exceeds HOP_LIMIT (spec.md §4.3): "this prevents ring
// instability from looping messages forever." Mirrors the teacher's
// storage.ErrKeyNotFound sentinel-error idiom.
var ErrDirectoryUnavailable = errors.New("directory: hop limit exceeded")

// ErrUnknownGrainType names the non-transient unknown-grain-type
// failure. No code in this repository returns it: the catalog hands
// every grain type to its single GrainActivator.
var ErrUnknownGrainType = errors.New("directory: unknown grain type")
