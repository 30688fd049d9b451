package scripting

import "errors"

var (
	// ErrPending is returned by a SourceLoader that has started an
	// asynchronous fetch for the path; the bytes arrive later through
	// Host.DeliverSource and the suspended caller is resumed then.
	ErrPending = errors.New("source fetch pending")

	// ErrModuleNotFound means the source is unavailable and no download
	// path is configured. It is raised to the calling script.
	ErrModuleNotFound = errors.New("module source not found")

	// ErrAmbiguousMerge means a patch cannot determine how its table maps
	// onto the target structure (array-shaped patch against a record).
	ErrAmbiguousMerge = errors.New("ambiguous patch merge")
)
