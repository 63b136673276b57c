package pki

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned by IssueRoot when a root certificate
	// has already been issued.
	ErrAlreadyExists = errors.New("root certificate already exists")

	// ErrDuplicateCertificate is returned when the owner already holds a
	// non-revoked certificate of the same kind and scope.
	ErrDuplicateCertificate = errors.New("a non-revoked certificate already exists")

	// ErrCertificateNotFound is returned when no certificate exists for a serial.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrCertificateRevoked is returned when a chain link was revoked as of
	// the validation instant.
	ErrCertificateRevoked = errors.New("certificate is revoked")

	// ErrCertificateExpired is returned when the validation instant lies
	// outside a chain link's validity window.
	ErrCertificateExpired = errors.New("certificate is outside its validity window")

	// ErrChainBroken is returned when a chain link is missing, mismatched,
	// or its signature does not verify against the issuer.
	ErrChainBroken = errors.New("certificate chain is broken")

	// ErrAlreadyRevoked is returned when revoking a certificate twice.
	ErrAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrProtectedCertificate is returned when revoking a root or club certificate.
	ErrProtectedCertificate = errors.New("root and club certificates cannot be revoked")

	// ErrInvalidKind is returned for certificate records whose kind fields
	// are inconsistent.
	ErrInvalidKind = errors.New("invalid certificate kind")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	// ErrInvalidSignature is returned when a detached signature does not
	// verify against a certificate's public key.
	ErrInvalidSignature = errors.New("signature does not verify")
)

// ChainError reports which link of a chain failed validation.
type ChainError struct {
	Serial string
	Type   Type
	Err    error
}

func (e *ChainError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("chain link %s: %v", e.Serial, e.Err)
	}
	return fmt.Sprintf("%s certificate %s: %v", e.Type, e.Serial, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }
