// Package entry models shooting log entries and their attestation lifecycle.
package entry

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no entry exists for an ID.
	ErrNotFound = errors.New("entry not found")

	// ErrInvalidStateTransition is returned when an operation is not allowed
	// from the entry's current status.
	ErrInvalidStateTransition = errors.New("invalid state transition")
)

// Status is the attestation state of an entry.
type Status string

const (
	StatusOpen              Status = "open"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusSigned            Status = "signed"
	StatusRejected          Status = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSigned || s == StatusRejected
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAwaitingSignature, StatusSigned, StatusRejected:
		return true
	}
	return false
}

// Signature records who attested an entry and how.
type Signature struct {
	SignerUserID      string    `json:"signer_user_id"`
	CertificateSerial string    `json:"certificate_serial"`
	SignedAt          time.Time `json:"signed_at"`
	Digest            string    `json:"digest"`
	Value             []byte    `json:"value,omitempty"`
}

// Rejection records who declined to attest an entry.
type Rejection struct {
	ByUserID string    `json:"by_user_id"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// LogEntry is one shooting session logged by a shooter.
type LogEntry struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	ClubID      string    `json:"club_id"`
	RangeID     string    `json:"range_id"`
	LoggedAt    time.Time `json:"logged_at"`
	Discipline  string    `json:"discipline"`
	Caliber     string    `json:"caliber,omitempty"`
	WeaponType  string    `json:"weapon_type,omitempty"`
	ShotCount   int       `json:"shot_count"`
	Result      string    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Status    Status     `json:"status"`
	Signature *Signature `json:"signature,omitempty"`
	Rejection *Rejection `json:"rejection,omitempty"`

	Version uint64 `json:"-"`
}

// Sign moves the entry to StatusSigned.
func (e *LogEntry) Sign(sig Signature) error {
	if err := e.checkOpen("sign"); err != nil {
		return err
	}
	e.Status = StatusSigned
	e.Signature = &sig
	e.Rejection = nil
	return nil
}

// Reject moves the entry to StatusRejected.
func (e *LogEntry) Reject(r Rejection) error {
	if err := e.checkOpen("reject"); err != nil {
		return err
	}
	e.Status = StatusRejected
	e.Rejection = &r
	e.Signature = nil
	return nil
}

// CheckDeletable reports whether the entry may still be deleted.
func (e *LogEntry) CheckDeletable() error {
	return e.checkOpen("delete")
}

func (e *LogEntry) checkOpen(op string) error {
	if e.Status.Terminal() || !e.Status.Valid() {
		return fmt.Errorf("cannot %s entry %s in status %q: %w", op, e.ID, e.Status, ErrInvalidStateTransition)
	}
	return nil
}

// Validate checks the fields an owner must supply.
func (e *LogEntry) Validate() error {
	switch {
	case e.OwnerUserID == "":
		return errors.New("owner is required")
	case e.ClubID == "":
		return errors.New("club is required")
	case e.RangeID == "":
		return errors.New("range is required")
	case e.Discipline == "":
		return errors.New("discipline is required")
	case e.LoggedAt.IsZero():
		return errors.New("logged_at is required")
	case e.ShotCount < 0:
		return errors.New("shot_count must not be negative")
	}
	return nil
}
