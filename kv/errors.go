package kv

import "errors"

var (
	// ErrInvalidPath is returned by Open when the root directory cannot be
	// used (empty path, not creatable).
	ErrInvalidPath = errors.New("kv: invalid path")
	// ErrOpenIndex is returned by Open when the manifest cannot be opened or
	// initialised even after a reset.
	ErrOpenIndex = errors.New("kv: cannot open manifest")
	// ErrInvalidated means the store was invalidated or closed; no I/O was
	// attempted.
	ErrInvalidated = errors.New("kv: store invalidated")

	errEmptyKey         = errors.New("kv: empty key")
	errNilValue         = errors.New("kv: nil value")
	errFilenameRequired = errors.New("kv: file mode requires a filename")
	errBadFilename      = errors.New("kv: filename must be a plain file name")
	errNotFound         = errors.New("kv: not found")
	errMissingBlob      = errors.New("kv: blob file missing")
)
