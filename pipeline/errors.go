package pipeline

import "errors"

var (
	// ErrNoImages is returned when a batch request carries no file field at all.
	ErrNoImages = errors.New("no images provided")

	// ErrUnsafeFilename is returned when nothing usable is left of a client
	// filename after sanitizing.
	ErrUnsafeFilename = errors.New("unsafe filename")

	// ErrEmptyOutput is returned when the remover produced no bytes.
	ErrEmptyOutput = errors.New("remover returned no data")
)
