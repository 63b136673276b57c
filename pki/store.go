package pki

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmcleod/rangebook/storage"
)

// Record types used by the certificate store.
const (
	recordCert        = "CERT"
	recordClaim       = "CERT_CLAIM"
	recordOwnerPrefix = "CERT_OWNER:"
	recordClubPrefix  = "CERT_CLUB:"
)

// claim marks the single non-revoked certificate for a uniqueness key.
type claim struct {
	Serial string `json:"serial"`
}

// ClaimKey returns the uniqueness key for k: at most one non-revoked
// certificate exists per key.
func ClaimKey(k Kind) string {
	switch k := k.(type) {
	case Root:
		return "root"
	case Club:
		return "club:" + k.ClubID
	case Supervisor:
		return "supervisor:" + k.UserID + ":" + k.Scope.Key()
	default:
		return ""
	}
}

// Store persists certificates on a storage.Repository.
type Store struct {
	repo storage.Repository
}

// NewStore returns a Store backed by repo.
func NewStore(repo storage.Repository) *Store {
	return &Store{repo: repo}
}

// Repository returns the underlying repository, for callers that need to
// combine certificate writes with other records in one batch.
func (s *Store) Repository() storage.Repository {
	return s.repo
}

// Get loads the certificate with the given serial.
func (s *Store) Get(ctx context.Context, serial string) (*Certificate, error) {
	rec, err := s.repo.Get(ctx, recordCert, serial)
	if err != nil {
		return nil, mapNotFound(err, serial)
	}
	return decodeCertificate(rec)
}

// Root returns the root certificate.
func (s *Store) Root(ctx context.Context) (*Certificate, error) {
	return s.claimed(ctx, ClaimKey(Root{}))
}

// ActiveClub returns the non-revoked certificate of a club.
func (s *Store) ActiveClub(ctx context.Context, clubID string) (*Certificate, error) {
	return s.claimed(ctx, ClaimKey(Club{ClubID: clubID}))
}

// ActiveSupervisor returns the non-revoked certificate of a user for scope.
func (s *Store) ActiveSupervisor(ctx context.Context, userID string, scope Scope) (*Certificate, error) {
	return s.claimed(ctx, ClaimKey(Supervisor{UserID: userID, Scope: scope}))
}

func (s *Store) claimed(ctx context.Context, key string) (*Certificate, error) {
	rec, err := s.repo.Get(ctx, recordClaim, key)
	if err != nil {
		return nil, mapNotFound(err, key)
	}
	var c claim
	if err := storage.DecodeRecord(rec, &c); err != nil {
		return nil, err
	}
	return s.Get(ctx, c.Serial)
}

// FindSupervisorCertificate returns the certificate userID would sign with
// for an entry at rangeID of clubID. A live range-scoped certificate wins
// over a live club-scoped one. When neither is live, the most recently
// issued revoked certificate covering the entry is returned so callers can
// report the revocation. ErrCertificateNotFound means the user never held
// a covering certificate.
func (s *Store) FindSupervisorCertificate(ctx context.Context, userID, clubID, rangeID string) (*Certificate, error) {
	scopes := []Scope{RangeScope{ClubID: clubID, RangeID: rangeID}, ClubScope{ClubID: clubID}}
	for _, scope := range scopes {
		cert, err := s.ActiveSupervisor(ctx, userID, scope)
		if err == nil {
			return cert, nil
		}
		if !errors.Is(err, ErrCertificateNotFound) {
			return nil, err
		}
	}

	owned, err := s.ListByOwner(ctx, userID)
	if err != nil {
		return nil, err
	}
	var latest *Certificate
	for _, c := range owned {
		sup, ok := c.Kind.(Supervisor)
		if !ok || !Covers(sup.Scope, clubID, rangeID) {
			continue
		}
		if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ErrCertificateNotFound)
	}
	return latest, nil
}

// ListByOwner returns every certificate ever issued to userID, newest first.
func (s *Store) ListByOwner(ctx context.Context, userID string) ([]*Certificate, error) {
	return s.listIndex(ctx, recordOwnerPrefix+userID)
}

// ListByClub returns every club and supervisor certificate of clubID, newest first.
func (s *Store) ListByClub(ctx context.Context, clubID string) ([]*Certificate, error) {
	return s.listIndex(ctx, recordClubPrefix+clubID)
}

// List returns all certificates, newest first.
func (s *Store) List(ctx context.Context) ([]*Certificate, error) {
	return s.listIndex(ctx, recordCert)
}

func (s *Store) listIndex(ctx context.Context, recordType string) ([]*Certificate, error) {
	serials, err := s.repo.List(ctx, recordType)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", recordType, err)
	}
	certs := make([]*Certificate, 0, len(serials))
	for _, serial := range serials {
		c, err := s.Get(ctx, serial)
		if err != nil {
			return nil, err
		}
		certs = append(certs, c)
	}
	sortNewestFirst(certs)
	return certs, nil
}

// Tx exposes certificate reads and writes inside a storage batch.
type Tx struct {
	tx storage.BatchTx
}

// WithTx wraps a storage batch.
func WithTx(tx storage.BatchTx) Tx {
	return Tx{tx: tx}
}

// Get loads a certificate inside the batch.
func (t Tx) Get(serial string) (*Certificate, error) {
	rec, err := t.tx.Get(recordCert, serial)
	if err != nil {
		return nil, mapNotFound(err, serial)
	}
	return decodeCertificate(rec)
}

// Create stores a new certificate together with its uniqueness claim and
// index entries. It fails with ErrDuplicateCertificate when the claim is
// held by another non-revoked certificate.
func (t Tx) Create(cert *Certificate) error {
	key := ClaimKey(cert.Kind)
	if key == "" {
		return fmt.Errorf("%w: %T", ErrInvalidKind, cert.Kind)
	}
	claimRec, err := storage.EncodeRecord(claim{Serial: cert.Serial}, 1)
	if err != nil {
		return err
	}
	if err := t.tx.PutCAS(recordClaim, key, 0, claimRec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			if _, isRoot := cert.Kind.(Root); isRoot {
				return ErrAlreadyExists
			}
			return fmt.Errorf("%s: %w", key, ErrDuplicateCertificate)
		}
		return fmt.Errorf("claiming %s: %w", key, err)
	}

	cert.Version = 1
	rec, err := storage.EncodeRecord(cert, cert.Version)
	if err != nil {
		return err
	}
	if err := t.tx.PutCAS(recordCert, cert.Serial, 0, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("serial %s already in use: %w", cert.Serial, err)
		}
		return err
	}

	marker := &storage.Record{Ver: 1, Data: []byte("{}")}
	if sup, ok := cert.Kind.(Supervisor); ok {
		if err := t.tx.Put(recordOwnerPrefix+sup.UserID, cert.Serial, marker); err != nil {
			return err
		}
	}
	if club := ClubOf(cert.Kind); club != "" {
		if err := t.tx.Put(recordClubPrefix+club, cert.Serial, marker); err != nil {
			return err
		}
	}
	return nil
}

// Revoke marks cert revoked as of at and releases its uniqueness claim so
// the owner may be issued a new certificate. Root and club certificates are
// protected.
func (t Tx) Revoke(cert *Certificate, at time.Time, reason string) error {
	switch cert.Kind.(type) {
	case Root, Club:
		return ErrProtectedCertificate
	}
	if cert.Revoked {
		return ErrAlreadyRevoked
	}

	expected := cert.Version
	revokedAt := at.UTC()
	cert.Revoked = true
	cert.RevokedAt = &revokedAt
	cert.RevocationReason = reason
	cert.Version++

	rec, err := storage.EncodeRecord(cert, cert.Version)
	if err != nil {
		return err
	}
	if err := t.tx.PutCAS(recordCert, cert.Serial, expected, rec); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("certificate %s changed concurrently: %w", cert.Serial, ErrAlreadyRevoked)
		}
		return err
	}

	key := ClaimKey(cert.Kind)
	rec, err = t.tx.Get(recordClaim, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	var c claim
	if err := storage.DecodeRecord(rec, &c); err != nil {
		return err
	}
	if c.Serial != cert.Serial {
		return nil
	}
	return t.tx.Delete(recordClaim, key)
}

func decodeCertificate(rec *storage.Record) (*Certificate, error) {
	var c Certificate
	if err := storage.DecodeRecord(rec, &c); err != nil {
		return nil, err
	}
	c.Version = rec.Version
	return &c, nil
}

func mapNotFound(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrCertificateNotFound)
	}
	return err
}

func sortNewestFirst(certs []*Certificate) {
	sort.SliceStable(certs, func(i, j int) bool {
		return certs[i].IssuedAt.After(certs[j].IssuedAt)
	})
}
