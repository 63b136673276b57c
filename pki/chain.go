package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"
)

// MaxChainDepth is the number of links in a supervisor → club → root chain.
const MaxChainDepth = 3

// Chain is a validated path from a certificate up to the root, leaf first.
type Chain []*Certificate

// Leaf returns the certificate validation started from.
func (c Chain) Leaf() *Certificate { return c[0] }

// Validator checks certificate chains against the store.
type Validator struct {
	store *Store
}

// NewValidator returns a Validator reading from store.
func NewValidator(store *Store) *Validator {
	return &Validator{store: store}
}

// Validate walks from serial to the root and checks every link as of at:
// not revoked, inside its validity window, structurally linked to its
// issuer, and signed by the issuer's key. The first failing link is
// returned as a *ChainError.
func (v *Validator) Validate(ctx context.Context, serial string, at time.Time) (Chain, error) {
	cert, err := v.store.Get(ctx, serial)
	if err != nil {
		return nil, err
	}

	var chain Chain
	for depth := 1; ; depth++ {
		if err := checkLink(cert, at); err != nil {
			return nil, err
		}
		chain = append(chain, cert)

		if _, ok := cert.Kind.(Root); ok {
			if cert.IssuerSerial != "" && cert.IssuerSerial != cert.Serial {
				return nil, brokenLink(cert, "root must be self-issued")
			}
			if err := verifyIssuedBy(cert, cert); err != nil {
				return nil, brokenLink(cert, err.Error())
			}
			return chain, nil
		}
		if depth >= MaxChainDepth {
			return nil, brokenLink(cert, "chain exceeds maximum depth")
		}

		issuer, err := v.store.Get(ctx, cert.IssuerSerial)
		if err != nil {
			if errors.Is(err, ErrCertificateNotFound) {
				return nil, brokenLink(cert, "issuer "+cert.IssuerSerial+" not found")
			}
			return nil, err
		}
		if err := checkIssuerKind(cert, issuer); err != nil {
			return nil, brokenLink(cert, err.Error())
		}
		if err := verifyIssuedBy(cert, issuer); err != nil {
			return nil, brokenLink(cert, err.Error())
		}
		cert = issuer
	}
}

func checkLink(cert *Certificate, at time.Time) error {
	if cert.IsRevokedAt(at) {
		return &ChainError{Serial: cert.Serial, Type: cert.Kind.Type(), Err: ErrCertificateRevoked}
	}
	if !cert.IsValidAt(at) {
		return &ChainError{Serial: cert.Serial, Type: cert.Kind.Type(), Err: ErrCertificateExpired}
	}
	return nil
}

func checkIssuerKind(cert, issuer *Certificate) error {
	switch k := cert.Kind.(type) {
	case Club:
		if _, ok := issuer.Kind.(Root); !ok {
			return fmt.Errorf("club certificate issued by %s certificate", issuer.Kind.Type())
		}
	case Supervisor:
		club, ok := issuer.Kind.(Club)
		if !ok {
			return fmt.Errorf("supervisor certificate issued by %s certificate", issuer.Kind.Type())
		}
		if club.ClubID != k.Scope.Club() {
			return fmt.Errorf("supervisor scope club %s does not match issuer club %s", k.Scope.Club(), club.ClubID)
		}
	default:
		return fmt.Errorf("unexpected certificate kind %T", cert.Kind)
	}
	return nil
}

// verifyIssuedBy checks the X.509 signature on cert against issuer's key.
func verifyIssuedBy(cert, issuer *Certificate) error {
	child, err := ParseCertificate(cert.CertificatePEM)
	if err != nil {
		return err
	}
	parent := child
	if issuer != cert {
		if parent, err = ParseCertificate(issuer.CertificatePEM); err != nil {
			return err
		}
	}
	if err := child.CheckSignatureFrom(parent); err != nil {
		return fmt.Errorf("signature check: %v", err)
	}
	return nil
}

func brokenLink(cert *Certificate, detail string) error {
	return &ChainError{
		Serial: cert.Serial,
		Type:   cert.Kind.Type(),
		Err:    fmt.Errorf("%w: %s", ErrChainBroken, detail),
	}
}

// ParseCertificate decodes a single PEM "CERTIFICATE" block.
func ParseCertificate(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}
