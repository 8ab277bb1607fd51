package models

import (
	"errors"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrValidation  = errors.New("validation error")

	// Admission errors: reported synchronously to the submitter, never queued.
	ErrDeviceQueueFull = errors.New("device queue full")
	ErrTotalQueueFull  = errors.New("total queue full")
)
