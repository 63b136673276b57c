package pki

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates the three certificate levels of the hierarchy.
type Type string

const (
	TypeRoot       Type = "root"
	TypeClub       Type = "club"
	TypeSupervisor Type = "supervisor"
)

// Kind identifies what a certificate was issued for. The set of
// implementations is closed: Root, Club and Supervisor.
type Kind interface {
	Type() Type
	isKind()
}

// Root is the kind of the single self-signed trust anchor.
type Root struct{}

// Club is the kind of an intermediate certificate owned by one club.
type Club struct {
	ClubID string
}

// Supervisor is the kind of a leaf certificate granting a user the
// right to sign entries within Scope.
type Supervisor struct {
	UserID string
	Scope  Scope
}

func (Root) Type() Type       { return TypeRoot }
func (Club) Type() Type       { return TypeClub }
func (Supervisor) Type() Type { return TypeSupervisor }

func (Root) isKind()       {}
func (Club) isKind()       {}
func (Supervisor) isKind() {}

// Scope limits where a supervisor certificate may be used.
// Implementations: ClubScope, RangeScope.
type Scope interface {
	// Club returns the club the scope belongs to.
	Club() string
	// Key is a stable string used for uniqueness claims.
	Key() string
	isScope()
}

// ClubScope covers every range of a club.
type ClubScope struct {
	ClubID string
}

// RangeScope covers a single range. ClubID is the range's owning club.
type RangeScope struct {
	ClubID  string
	RangeID string
}

func (s ClubScope) Club() string  { return s.ClubID }
func (s RangeScope) Club() string { return s.ClubID }

func (s ClubScope) Key() string  { return "club:" + s.ClubID }
func (s RangeScope) Key() string { return "range:" + s.RangeID }

func (ClubScope) isScope()  {}
func (RangeScope) isScope() {}

// Covers reports whether the scope permits signing entries logged at
// rangeID of clubID.
func Covers(s Scope, clubID, rangeID string) bool {
	switch s := s.(type) {
	case ClubScope:
		return s.ClubID == clubID
	case RangeScope:
		return s.ClubID == clubID && s.RangeID == rangeID
	default:
		return false
	}
}

// ClubOf returns the club a certificate belongs to, or "" for the root.
func ClubOf(k Kind) string {
	switch k := k.(type) {
	case Club:
		return k.ClubID
	case Supervisor:
		return k.Scope.Club()
	default:
		return ""
	}
}

// Certificate is the persisted record of an issued certificate.
// Records are never deleted; revocation only flips Revoked.
type Certificate struct {
	Serial           string
	Kind             Kind
	SubjectName      string
	IssuerName       string
	CertificatePEM   string
	PrivateKey       []byte // sealed, see Sealer
	IssuedAt         time.Time
	ExpiresAt        *time.Time
	Revoked          bool
	RevokedAt        *time.Time
	RevocationReason string
	IssuerSerial     string
	Version          uint64
}

// IsRevokedAt reports whether the certificate had been revoked as of at.
func (c *Certificate) IsRevokedAt(at time.Time) bool {
	return c.Revoked && c.RevokedAt != nil && !c.RevokedAt.After(at)
}

// IsValidAt reports whether at falls in [IssuedAt, ExpiresAt).
func (c *Certificate) IsValidAt(at time.Time) bool {
	if at.Before(c.IssuedAt) {
		return false
	}
	return c.ExpiresAt == nil || at.Before(*c.ExpiresAt)
}

// certificateJSON is the flat wire form of Certificate.
type certificateJSON struct {
	Serial           string     `json:"serial"`
	Type             Type       `json:"type"`
	ClubID           string     `json:"club_id,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	RangeID          string     `json:"range_id,omitempty"`
	SubjectName      string     `json:"subject_name"`
	IssuerName       string     `json:"issuer_name"`
	CertificatePEM   string     `json:"certificate_pem"`
	PrivateKey       []byte     `json:"private_key"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	IssuerSerial     string     `json:"issuer_serial"`
}

func (c Certificate) MarshalJSON() ([]byte, error) {
	w := certificateJSON{
		Serial:           c.Serial,
		SubjectName:      c.SubjectName,
		IssuerName:       c.IssuerName,
		CertificatePEM:   c.CertificatePEM,
		PrivateKey:       c.PrivateKey,
		IssuedAt:         c.IssuedAt,
		ExpiresAt:        c.ExpiresAt,
		Revoked:          c.Revoked,
		RevokedAt:        c.RevokedAt,
		RevocationReason: c.RevocationReason,
		IssuerSerial:     c.IssuerSerial,
	}
	switch k := c.Kind.(type) {
	case Root:
		w.Type = TypeRoot
	case Club:
		w.Type = TypeClub
		w.ClubID = k.ClubID
	case Supervisor:
		w.Type = TypeSupervisor
		w.UserID = k.UserID
		switch s := k.Scope.(type) {
		case ClubScope:
			w.ClubID = s.ClubID
		case RangeScope:
			w.ClubID = s.ClubID
			w.RangeID = s.RangeID
		default:
			return nil, fmt.Errorf("%w: supervisor certificate without scope", ErrInvalidKind)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidKind, c.Kind)
	}
	return json.Marshal(w)
}

func (c *Certificate) UnmarshalJSON(data []byte) error {
	var w certificateJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind, err := decodeKind(w)
	if err != nil {
		return err
	}
	*c = Certificate{
		Serial:           w.Serial,
		Kind:             kind,
		SubjectName:      w.SubjectName,
		IssuerName:       w.IssuerName,
		CertificatePEM:   w.CertificatePEM,
		PrivateKey:       w.PrivateKey,
		IssuedAt:         w.IssuedAt,
		ExpiresAt:        w.ExpiresAt,
		Revoked:          w.Revoked,
		RevokedAt:        w.RevokedAt,
		RevocationReason: w.RevocationReason,
		IssuerSerial:     w.IssuerSerial,
	}
	return nil
}

func decodeKind(w certificateJSON) (Kind, error) {
	switch w.Type {
	case TypeRoot:
		if w.ClubID != "" || w.UserID != "" || w.RangeID != "" {
			return nil, fmt.Errorf("%w: root certificate with owner fields", ErrInvalidKind)
		}
		return Root{}, nil
	case TypeClub:
		if w.ClubID == "" || w.UserID != "" || w.RangeID != "" {
			return nil, fmt.Errorf("%w: club certificate needs exactly a club id", ErrInvalidKind)
		}
		return Club{ClubID: w.ClubID}, nil
	case TypeSupervisor:
		if w.UserID == "" || w.ClubID == "" {
			return nil, fmt.Errorf("%w: supervisor certificate needs user and club ids", ErrInvalidKind)
		}
		var scope Scope = ClubScope{ClubID: w.ClubID}
		if w.RangeID != "" {
			scope = RangeScope{ClubID: w.ClubID, RangeID: w.RangeID}
		}
		return Supervisor{UserID: w.UserID, Scope: scope}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidKind, w.Type)
	}
}
