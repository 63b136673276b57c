package attest

import "errors"

var (
	// ErrNoCertificate is returned when the signer never held a supervisor
	// certificate covering the entry's club or range.
	ErrNoCertificate = errors.New("no supervisor certificate covers this entry")

	// ErrUnauthorized is returned when the requester lacks the role required
	// for an operation.
	ErrUnauthorized = errors.New("not permitted")

	// ErrReasonRequired is returned when a rejection needs a reason and none
	// was given.
	ErrReasonRequired = errors.New("a reason is required")

	// ErrInvalidEntry is returned when a new entry is incomplete or refers
	// to a range outside its club.
	ErrInvalidEntry = errors.New("invalid entry")
)
