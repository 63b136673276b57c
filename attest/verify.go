package attest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/pki"
)

// VerificationStatus is the public status of a certificate.
type VerificationStatus string

const (
	StatusNotFound VerificationStatus = "not_found"
	StatusValid    VerificationStatus = "valid"
	StatusRevoked  VerificationStatus = "revoked"
	StatusExpired  VerificationStatus = "expired"
)

// CertificateView is the public projection of a certificate. It never
// carries private key material.
type CertificateView struct {
	Serial            string     `json:"serial"`
	Type              pki.Type   `json:"type"`
	OwnerUserID       string     `json:"owner_user_id,omitempty"`
	OwnerName         string     `json:"owner_name,omitempty"`
	ClubID            string     `json:"club_id,omitempty"`
	ClubName          string     `json:"club_name,omitempty"`
	RangeID           string     `json:"range_id,omitempty"`
	RangeName         string     `json:"range_name,omitempty"`
	Subject           string     `json:"subject"`
	Issuer            string     `json:"issuer"`
	IssuerSerial      string     `json:"issuer_serial,omitempty"`
	IssuedAt          time.Time  `json:"issued_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	RevokedAt         *time.Time `json:"revoked_at,omitempty"`
	RevocationReason  string     `json:"revocation_reason,omitempty"`
	FingerprintSHA256 string     `json:"fingerprint_sha256,omitempty"`
	KeyAlgorithm      string     `json:"key_algorithm,omitempty"`
}

// VerificationResult answers a public lookup by serial.
type VerificationResult struct {
	Serial      string             `json:"serial"`
	Status      VerificationStatus `json:"status"`
	Certificate *CertificateView   `json:"certificate,omitempty"`
}

// Verify looks up a certificate for anonymous callers. Unknown serials
// produce StatusNotFound rather than an error.
func (s *Service) Verify(ctx context.Context, serial string) (*VerificationResult, error) {
	cert, err := s.certs.Get(ctx, serial)
	if errors.Is(err, pki.ErrCertificateNotFound) {
		return &VerificationResult{Serial: serial, Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	status := StatusValid
	switch {
	case cert.Revoked:
		status = StatusRevoked
	case cert.ExpiresAt != nil && !now.Before(*cert.ExpiresAt):
		status = StatusExpired
	}
	return &VerificationResult{
		Serial:      serial,
		Status:      status,
		Certificate: s.view(ctx, cert),
	}, nil
}

func (s *Service) view(ctx context.Context, cert *pki.Certificate) *CertificateView {
	v := &CertificateView{
		Serial:           cert.Serial,
		Type:             cert.Kind.Type(),
		Subject:          cert.SubjectName,
		Issuer:           cert.IssuerName,
		IssuerSerial:     cert.IssuerSerial,
		IssuedAt:         cert.IssuedAt,
		ExpiresAt:        cert.ExpiresAt,
		RevokedAt:        cert.RevokedAt,
		RevocationReason: cert.RevocationReason,
	}
	if d, err := pki.Describe(cert.CertificatePEM); err == nil {
		v.FingerprintSHA256 = d.FingerprintSHA256
		v.KeyAlgorithm = d.KeyAlgorithm
	}

	// Display names are best effort; directory records may be gone.
	v.ClubID = pki.ClubOf(cert.Kind)
	if v.ClubID != "" {
		if club, err := s.directory.GetClub(ctx, v.ClubID); err == nil {
			v.ClubName = club.Name
		}
	}
	if sup, ok := cert.Kind.(pki.Supervisor); ok {
		v.OwnerUserID = sup.UserID
		if u, err := s.directory.GetUser(ctx, sup.UserID); err == nil {
			v.OwnerName = u.Name
		}
		if rs, ok := sup.Scope.(pki.RangeScope); ok {
			v.RangeID = rs.RangeID
			if r, err := s.directory.GetRange(ctx, rs.RangeID); err == nil {
				v.RangeName = r.Name
			}
		}
	}
	return v
}

// ChainLink is one certificate of a validated chain.
type ChainLink struct {
	Serial  string   `json:"serial"`
	Type    pki.Type `json:"type"`
	Subject string   `json:"subject"`
}

// ChainReport is the outcome of validating a chain now.
type ChainReport struct {
	Serial       string      `json:"serial"`
	Valid        bool        `json:"valid"`
	Links        []ChainLink `json:"links,omitempty"`
	FailedSerial string      `json:"failed_serial,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// VerifyChain validates the chain of serial at the current time. A failing
// link is reported in the result; only a missing starting certificate or a
// storage failure is returned as an error.
func (s *Service) VerifyChain(ctx context.Context, serial string) (*ChainReport, error) {
	chain, err := s.authority.Validator().Validate(ctx, serial, s.now())
	var chainErr *pki.ChainError
	switch {
	case errors.As(err, &chainErr):
		return &ChainReport{
			Serial:       serial,
			FailedSerial: chainErr.Serial,
			Error:        chainErr.Err.Error(),
		}, nil
	case err != nil:
		return nil, err
	}
	report := &ChainReport{Serial: serial, Valid: true}
	for _, c := range chain {
		report.Links = append(report.Links, ChainLink{Serial: c.Serial, Type: c.Kind.Type(), Subject: c.SubjectName})
	}
	return report, nil
}

// ExportCertificate returns the PEM body of serial.
func (s *Service) ExportCertificate(ctx context.Context, serial string) (string, error) {
	cert, err := s.certs.Get(ctx, serial)
	if err != nil {
		return "", err
	}
	return cert.CertificatePEM, nil
}

// ExportChain returns the PEM bodies of serial and its issuers, leaf first,
// regardless of revocation state.
func (s *Service) ExportChain(ctx context.Context, serial string) (string, error) {
	var chain pki.Chain
	for next := serial; len(chain) < pki.MaxChainDepth; {
		cert, err := s.certs.Get(ctx, next)
		if err != nil {
			return "", err
		}
		chain = append(chain, cert)
		if cert.IssuerSerial == "" || cert.IssuerSerial == cert.Serial {
			break
		}
		next = cert.IssuerSerial
	}
	return pki.EncodeChainPEM(chain), nil
}

// EntryVerification is the outcome of checking a signed entry against its
// recorded digest and signature.
type EntryVerification struct {
	EntryID           string    `json:"entry_id"`
	Valid             bool      `json:"valid"`
	DigestMatches     bool      `json:"digest_matches"`
	SignatureValid    bool      `json:"signature_valid"`
	SignerUserID      string    `json:"signer_user_id,omitempty"`
	CertificateSerial string    `json:"certificate_serial,omitempty"`
	SignedAt          time.Time `json:"signed_at,omitzero"`
	Problem           string    `json:"problem,omitempty"`
}

// VerifyEntry recomputes the digest of a signed entry from its stored
// fields and checks the detached signature against the certificate that
// made it. Later revocation of that certificate does not invalidate the
// signature.
func (s *Service) VerifyEntry(ctx context.Context, entryID string) (*EntryVerification, error) {
	e, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	res := &EntryVerification{EntryID: e.ID}
	if e.Status != entry.StatusSigned || e.Signature == nil {
		res.Problem = fmt.Sprintf("entry is %s", e.Status)
		return res, nil
	}
	sig := e.Signature
	res.SignerUserID = sig.SignerUserID
	res.CertificateSerial = sig.CertificateSerial
	res.SignedAt = sig.SignedAt

	digest := entry.Digest(e, sig.SignerUserID, sig.SignedAt)
	res.DigestMatches = util.HexEncode(digest) == sig.Digest
	if !res.DigestMatches {
		res.Problem = "entry content does not match the signed digest"
		return res, nil
	}

	cert, err := s.certs.Get(ctx, sig.CertificateSerial)
	if errors.Is(err, pki.ErrCertificateNotFound) {
		res.Problem = "signing certificate not found"
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if err := pki.VerifyDigest(cert.CertificatePEM, digest, sig.Value); err != nil {
		res.Problem = err.Error()
		return res, nil
	}
	res.SignatureValid = true
	res.Valid = true
	return res, nil
}
