package registry

import "errors"

// ErrUnknownReader is returned when a reader_id has no registry entry.
var ErrUnknownReader = errors.New("registry: unknown reader")
