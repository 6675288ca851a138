package stream

import "errors"

var (
	// ErrSourceClosed is returned by Subscribe after the source has been
	// torn down.
	ErrSourceClosed = errors.New("stream: source closed")
)
