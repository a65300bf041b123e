package domain

import "errors"

// ErrNotFound is returned by storage lookups that match no row.
var ErrNotFound = errors.New("not found")
