package types

import "errors"

var (
	ErrUnsupportedFormat  = errors.New("unsupported format")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrModelUnavailable   = errors.New("model unavailable")
	ErrStagingIO          = errors.New("staging i/o error")
	ErrGenerationTimeout  = errors.New("generation timeout")

	ErrUnknownProject    = errors.New("unknown project")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyDocument     = errors.New("document has no text")
	ErrInvalidCollection = errors.New("invalid collection name")
)
