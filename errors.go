package main

import "errors"

var (
	// lookup errors
	ErrNotFound        = errors.New("not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrRelayNotFound   = errors.New("relay not found")

	// authorization errors
	ErrForbidden = errors.New("forbidden")

	// soft failures
	ErrConflict = errors.New("conflict")

	// protocol errors
	ErrMalformedFrame = errors.New("malformed frame")
	ErrNotAuthed      = errors.New("not authenticated")
	ErrNotRelay       = errors.New("connection is not a relay")
)
