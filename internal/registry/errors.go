package registry

import "errors"

var (
	// ErrNotFound means no meeting matches the given coordinates.
	ErrNotFound = errors.New("meeting not found")

	// ErrDuplicate means a non-terminal meeting already exists for the
	// (owner, platform, native id) triple.
	ErrDuplicate = errors.New("active meeting already exists")

	// ErrLimitReached means the owner is at their concurrency cap.
	ErrLimitReached = errors.New("concurrent meeting limit reached")

	// ErrConflict means a compare-and-set update lost a race; reload and
	// retry.
	ErrConflict = errors.New("meeting was modified concurrently")
)
