package repository

import "errors"

var (
	ErrNotFound = errors.New("deployment not found")
	// ErrDuplicate is returned when a request id has already been ingested.
	ErrDuplicate = errors.New("deployment already exists")
	// ErrStaleStatus is returned when a conditional update finds the row in a
	// different status than the writer expected.
	ErrStaleStatus = errors.New("deployment status changed concurrently")
	// ErrInvalidTransition is returned for status moves the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")
)
