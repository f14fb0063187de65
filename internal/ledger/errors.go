package ledger

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrAlreadyVoided     = errors.New("projection already voided")
	ErrAlreadySuperseded = errors.New("projection already superseded")
	ErrInvalidTransition = errors.New("invalid status transition")
)
