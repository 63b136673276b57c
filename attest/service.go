// Package attest implements the attestation workflow: supervisors sign
// shooters' log entries with their certificates, entries can be rejected,
// supervisor certificates can be revoked, and anyone can verify a
// certificate or a signed entry.
//
// The certificate store, the entry store and the membership directory must
// share one storage.Repository so that revocation can update certificates
// and memberships in a single batch.
package attest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/internal/uuid"
	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
)

// RejectionPolicy controls what a rejection must carry.
type RejectionPolicy struct {
	RequireReason bool `koanf:"require_reason"`
}

// Service orchestrates signing, rejection, revocation and verification.
type Service struct {
	authority *pki.Authority
	certs     *pki.Store
	entries   *entry.Store
	directory *membership.Directory
	revoker   *RevokeCertificateCommand
	publisher Publisher
	policy    RejectionPolicy
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets the event publisher. Default: events are dropped.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

func WithRejectionPolicy(p RejectionPolicy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

// NewService wires a Service.
func NewService(authority *pki.Authority, entries *entry.Store, directory *membership.Directory, opts ...Option) *Service {
	s := &Service{
		authority: authority,
		certs:     authority.Store(),
		entries:   entries,
		directory: directory,
		publisher: nopPublisher{},
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "attest"))
	s.revoker = &RevokeCertificateCommand{
		certs:     s.certs,
		directory: directory,
		publisher: s.publisher,
		now:       s.now,
		logger:    s.logger,
	}
	return s
}

// Entries returns the entry store.
func (s *Service) Entries() *entry.Store { return s.entries }

// Authority returns the certificate authority.
func (s *Service) Authority() *pki.Authority { return s.authority }

// Directory returns the membership directory.
func (s *Service) Directory() *membership.Directory { return s.directory }

// CreateEntry stores a new entry for its owner in StatusAwaitingSignature
// and asks the club's supervisors for a signature. An empty ID is filled
// with a fresh UUID.
func (s *Service) CreateEntry(ctx context.Context, e *entry.LogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New()
	}
	e.Status = entry.StatusAwaitingSignature
	e.Signature, e.Rejection = nil, nil
	e.CreatedAt = s.now().UTC()
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if _, err := s.directory.GetUser(ctx, e.OwnerUserID); err != nil {
		return err
	}
	rng, err := s.directory.GetRange(ctx, e.RangeID)
	if err != nil {
		return err
	}
	if rng.ClubID != e.ClubID {
		return fmt.Errorf("%w: range %s does not belong to club %s", ErrInvalidEntry, e.RangeID, e.ClubID)
	}

	if err := s.entries.Create(ctx, e); err != nil {
		return err
	}
	s.logger.Info("entry created",
		zap.String("entry_id", e.ID),
		zap.String("owner", e.OwnerUserID),
		zap.String("club_id", e.ClubID))
	s.publisher.Publish(ctx, Event{
		Type:    EventSignatureRequested,
		At:      e.CreatedAt,
		UserID:  e.OwnerUserID,
		EntryID: e.ID,
		ClubID:  e.ClubID,
	})
	return nil
}

// DeleteEntry removes an entry that is not yet signed or rejected. Only the
// owner may delete.
func (s *Service) DeleteEntry(ctx context.Context, entryID, requesterUserID string) error {
	e, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return err
	}
	if e.OwnerUserID != requesterUserID {
		return ErrUnauthorized
	}
	if err := s.entries.Delete(ctx, e); err != nil {
		return err
	}
	s.logger.Info("entry deleted", zap.String("entry_id", e.ID))
	return nil
}

// Sign attests entryID with the signer's supervisor certificate. The
// certificate chain must be valid now and the signer must still be allowed
// to moderate the entry's club; the entry moves to StatusSigned with a
// digest over its canonical form and a detached signature.
func (s *Service) Sign(ctx context.Context, entryID, signerUserID string) (*entry.LogEntry, error) {
	e, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status.Terminal() || !e.Status.Valid() {
		return nil, fmt.Errorf("entry %s is %s: %w", e.ID, e.Status, entry.ErrInvalidStateTransition)
	}

	cert, err := s.certs.FindSupervisorCertificate(ctx, signerUserID, e.ClubID, e.RangeID)
	if err != nil {
		if errors.Is(err, pki.ErrCertificateNotFound) {
			return nil, fmt.Errorf("user %s: %w", signerUserID, ErrNoCertificate)
		}
		return nil, err
	}

	signedAt := s.now().UTC()
	if _, err := s.authority.Validator().Validate(ctx, cert.Serial, signedAt); err != nil {
		s.logger.Warn("signing refused",
			zap.String("entry_id", e.ID),
			zap.String("signer", signerUserID),
			zap.Error(err))
		return nil, err
	}
	// A revocation clears the club's supervisor flag even when another of
	// the user's certificates for the club is still live.
	ok, err := s.directory.CanModerate(ctx, signerUserID, e.ClubID)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Warn("signing refused",
			zap.String("entry_id", e.ID),
			zap.String("signer", signerUserID),
			zap.String("reason", "no supervisor membership"))
		return nil, ErrUnauthorized
	}

	digest := entry.Digest(e, signerUserID, signedAt)
	value, err := s.authority.SignDigest(cert, digest)
	if err != nil {
		return nil, err
	}
	if err := e.Sign(entry.Signature{
		SignerUserID:      signerUserID,
		CertificateSerial: cert.Serial,
		SignedAt:          signedAt,
		Digest:            util.HexEncode(digest),
		Value:             value,
	}); err != nil {
		return nil, err
	}
	if err := s.entries.Update(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("entry signed",
		zap.String("entry_id", e.ID),
		zap.String("signer", signerUserID),
		zap.String("serial", cert.Serial))
	s.publisher.Publish(ctx, Event{
		Type:              EventEntrySigned,
		At:                signedAt,
		UserID:            e.OwnerUserID,
		ActorUserID:       signerUserID,
		EntryID:           e.ID,
		ClubID:            e.ClubID,
		CertificateSerial: cert.Serial,
	})
	return e, nil
}

// Reject declines to attest entryID. The requester must be an admin or an
// active supervisor or chief of the entry's club.
func (s *Service) Reject(ctx context.Context, entryID, userID, reason string) (*entry.LogEntry, error) {
	e, err := s.entries.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	ok, err := s.directory.CanModerate(ctx, userID, e.ClubID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	reason = strings.TrimSpace(reason)
	if s.policy.RequireReason && reason == "" {
		return nil, ErrReasonRequired
	}

	at := s.now().UTC()
	if err := e.Reject(entry.Rejection{ByUserID: userID, Reason: reason, At: at}); err != nil {
		return nil, err
	}
	if err := s.entries.Update(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("entry rejected",
		zap.String("entry_id", e.ID),
		zap.String("by", userID))
	s.publisher.Publish(ctx, Event{
		Type:        EventEntryRejected,
		At:          at,
		UserID:      e.OwnerUserID,
		ActorUserID: userID,
		EntryID:     e.ID,
		ClubID:      e.ClubID,
		Reason:      reason,
	})
	return e, nil
}

// Revoke revokes a supervisor certificate. See RevokeCertificateCommand.
func (s *Service) Revoke(ctx context.Context, serial, requesterUserID, reason string) (*Revocation, error) {
	return s.revoker.Revoke(ctx, serial, requesterUserID, reason)
}
