// Package store holds errors shared by the persistence implementations.
package store

import "errors"

// ErrConflict is returned by a conditional write whose expected version no
// longer matches the stored record.
var ErrConflict = errors.New("store: version conflict")
