package alert

import "errors"

var (
	ErrNotFound               = errors.New("alert not found")
	ErrInvalidInput           = errors.New("invalid alert input")
	ErrInvalidTransition      = errors.New("invalid alert transition")
	ErrAlertTerminal          = errors.New("alert is in a terminal state")
	ErrMissingResolutionNotes = errors.New("resolution notes are required")
	ErrStaleLocation          = errors.New("location point is older than the trail head")
	ErrConcurrentModification = errors.New("alert was modified concurrently")
)
