package internalerr

import "errors"

// Sentinel errors for common cases
var (
	ErrNotFound          = errors.New("not found")
	ErrAmbiguousCaption  = errors.New("ambiguous caption")
	ErrInvalidInput      = errors.New("invalid input")
	ErrMalformedDocument = errors.New("malformed document")
	ErrStructure         = errors.New("document structure too shallow")
	ErrParseMismatch     = errors.New("parsed tag count mismatch")
	ErrDuplicateKey      = errors.New("duplicate key")
	ErrMaxDepth          = errors.New("maximum depth exceeded")
	ErrNotProcessed      = errors.New("file not processed")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidConfig     = errors.New("invalid configuration")
)
