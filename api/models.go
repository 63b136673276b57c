package api

import (
	"time"

	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
)

// CreateEntryRequest is the JSON body for POST /entries.
type CreateEntryRequest struct {
	ClubID     string    `json:"club_id" validate:"required,max=128"`
	RangeID    string    `json:"range_id" validate:"required,max=128"`
	LoggedAt   time.Time `json:"logged_at" validate:"required"`
	Discipline string    `json:"discipline" validate:"required,max=200"`
	Caliber    string    `json:"caliber,omitempty" validate:"max=100"`
	WeaponType string    `json:"weapon_type,omitempty" validate:"max=100"`
	ShotCount  int       `json:"shot_count" validate:"gte=0,lte=100000"`
	Result     string    `json:"result,omitempty" validate:"max=200"`
}

// ReasonRequest is the JSON body for reject and revoke.
type ReasonRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=1000"`
}

// ProvisionSupervisorRequest is the JSON body for POST /pki/supervisors.
// An empty RangeID requests a club-wide certificate.
type ProvisionSupervisorRequest struct {
	UserID  string `json:"user_id" validate:"required,max=128"`
	ClubID  string `json:"club_id" validate:"required,max=128"`
	RangeID string `json:"range_id,omitempty" validate:"max=128"`
}

// CertificateResponse describes an issued certificate without its key.
type CertificateResponse struct {
	Serial           string     `json:"serial"`
	Type             pki.Type   `json:"type"`
	Subject          string     `json:"subject"`
	Issuer           string     `json:"issuer"`
	IssuerSerial     string     `json:"issuer_serial,omitempty"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

func certificateResponse(c *pki.Certificate) CertificateResponse {
	return CertificateResponse{
		Serial:           c.Serial,
		Type:             c.Kind.Type(),
		Subject:          c.SubjectName,
		Issuer:           c.IssuerName,
		IssuerSerial:     c.IssuerSerial,
		IssuedAt:         c.IssuedAt,
		ExpiresAt:        c.ExpiresAt,
		Revoked:          c.Revoked,
		RevokedAt:        c.RevokedAt,
		RevocationReason: c.RevocationReason,
	}
}

// ListCertificatesResponse is returned from GET /users/{userID}/certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
}

// RevokeResponse is returned from POST /certificates/{serial}/revoke.
type RevokeResponse struct {
	Certificate    CertificateResponse `json:"certificate"`
	RoleDowngraded bool                `json:"role_downgraded"`
}

// ListEntriesResponse is returned by the entry list endpoints.
type ListEntriesResponse struct {
	Entries []*entry.LogEntry `json:"entries"`
	PaginationMeta
}

// MeResponse is returned from GET /me.
type MeResponse struct {
	UserID      string                   `json:"user_id"`
	Name        string                   `json:"name,omitempty"`
	Email       string                   `json:"email,omitempty"`
	Role        string                   `json:"role,omitempty"`
	Memberships []*membership.Membership `json:"memberships"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
