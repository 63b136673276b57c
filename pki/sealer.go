package pki

import (
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/rangebook/internal/util"
)

// MinMasterKeySize is the minimum accepted master secret length in bytes.
const MinMasterKeySize = 32

var sealInfo = []byte("rangebook/certificate-key/v1")

// Sealer encrypts private-key material at rest with AES-256-GCM. The
// sealing key is derived from a master secret that is kept in a memguard
// enclave between uses.
type Sealer struct {
	master *memguard.Enclave
}

// NewSealer takes ownership of master and wipes the caller's copy.
func NewSealer(master []byte) (*Sealer, error) {
	if len(master) < MinMasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinMasterKeySize, len(master))
	}
	return &Sealer{master: memguard.NewEnclave(master)}, nil
}

// NewRandomSealer returns a Sealer with a fresh random master secret.
// Material sealed by it cannot be recovered after the process exits.
func NewRandomSealer() (*Sealer, error) {
	master, err := util.RandomBytes(MinMasterKeySize)
	if err != nil {
		return nil, err
	}
	return NewSealer(master)
}

// Seal encrypts plaintext bound to the given certificate serial.
func (s *Sealer) Seal(serial string, plaintext []byte) ([]byte, error) {
	key, err := s.deriveKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	return util.EncryptAESWithAAD(plaintext, key, sealAAD(serial))
}

// Open decrypts material previously sealed for serial.
func (s *Sealer) Open(serial string, sealed []byte) ([]byte, error) {
	key, err := s.deriveKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	plaintext, err := util.DecryptAESWithAAD(sealed, key, sealAAD(serial))
	if err != nil {
		return nil, fmt.Errorf("opening key material for %s: %w", serial, err)
	}
	return plaintext, nil
}

func (s *Sealer) deriveKey() ([]byte, error) {
	buf, err := s.master.Open()
	if err != nil {
		return nil, fmt.Errorf("opening master key enclave: %w", err)
	}
	defer buf.Destroy()
	return util.HKDF(buf.Bytes(), nil, sealInfo)
}

func sealAAD(serial string) []byte {
	return []byte("rangebook:cert:" + serial)
}
