package dispatch

import "github.com/dreamware/silomesh/internal/wire"

// RoutingError is the typed error categories 1-4 of spec.md §7 map
// onto: transient network/routing failures, hop-limit exceeded,
// unknown grain type, and stale-cache rejections. Mirrors the
// teacher's storage.ErrKeyNotFound sentinel-error idiom, generalized
// to carry a Kind so callers can branch on retryability.
type RoutingError struct {
	Kind   wire.RejectionKind
	Reason string
}

func (e *RoutingError) Error() string {
	return e.Kind.String() + ": " + e.Reason
}

// Retryable reports whether this error's kind is one of the automatic-
// retry categories spec.md §4.7 names: cache-miss-caused rejections
// (CacheInvalidation) or Transient network errors.
func (e *RoutingError) Retryable() bool {
	return e.Kind == wire.RejectionTransient || e.Kind == wire.RejectionCacheInvalidation
}
