package install

import "errors"

var (
	// ErrNotVerified is returned when an install is requested for a package that did not pass verification.
	ErrNotVerified = errors.New("update is not verified")
	// ErrAlreadyInstalling is returned while another install, on either backend, is in flight.
	ErrAlreadyInstalling = errors.New("an update is already being installed")
	// ErrEntryNotFound is returned when a package lacks a required archive entry.
	ErrEntryNotFound = errors.New("archive entry not found")
	// ErrNotBound is returned when the streaming engine cannot be bound.
	ErrNotBound = errors.New("streaming engine not bound")
	// ErrUnknownUpdate is returned for a download id the controller does not know.
	ErrUnknownUpdate = errors.New("unknown update")
)
