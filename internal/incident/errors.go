package incident

import "errors"

var (
	ErrNotFound               = errors.New("incident not found")
	ErrInvalidInput           = errors.New("invalid incident input")
	ErrInvalidTransition      = errors.New("invalid incident transition")
	ErrIncidentClosed         = errors.New("incident is closed")
	ErrApprovalRequired       = errors.New("incident requires approval before closure")
	ErrConcurrentModification = errors.New("incident was modified concurrently")
)
