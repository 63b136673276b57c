package pki

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts private-key operations so that the authority can work
// with software keys or HSM-backed keys without changing calling code.
//
// A key ID uniquely identifies a key handle held by the store; its format
// is implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new ECDSA P-256 signing key and returns its ID.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key as SEC1 PEM so it can be sealed into
	// the certificate record. HSM implementations return a reference string
	// (e.g. "PKCS11:<label>") that ImportPEM can later interpret.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads material produced by ExportPEM and returns a key ID.
	ImportPEM(pemData string) (keyID string, err error)

	// Release drops the process-local handle for keyID. Keys that live on
	// an external device are left intact.
	Release(keyID string)
}

// ErrKeyNotExportable is returned when the backing store cannot accept or
// produce the requested key material.
var ErrKeyNotExportable = fmt.Errorf("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")
