package runnable

import "errors"

// Resolution errors. They abort a single request and are reported only to
// the caller that asked for the runnable.
//
//	if errors.Is(err, runnable.ErrUnresolvedInline) {
//	    // the code file referenced by the definition is missing
//	}
var (
	// ErrRunnableNotFound is returned when no definition exists for an id.
	ErrRunnableNotFound = errors.New("runnable not found")

	// ErrUnresolvedInline is returned when inline content is still a
	// deferred "!inline <file>" marker at execution time.
	ErrUnresolvedInline = errors.New("inline content not resolved")

	// ErrInvalidRunnable is returned when a definition matches neither the
	// inline nor the path shape.
	ErrInvalidRunnable = errors.New("invalid runnable definition")
)

// IsResolutionError reports whether err came from resolving a runnable
// rather than from the remote platform.
func IsResolutionError(err error) bool {
	return errors.Is(err, ErrRunnableNotFound) ||
		errors.Is(err, ErrUnresolvedInline) ||
		errors.Is(err, ErrInvalidRunnable)
}
