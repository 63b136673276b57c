package attest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
	"github.com/jmcleod/rangebook/storage"
)

// DefaultRevocationReason is recorded when the requester gives none.
const DefaultRevocationReason = "revoked by administrator"

// Revocation is the outcome of a successful revocation.
type Revocation struct {
	Certificate *pki.Certificate
	Cascade     membership.Cascade
}

// RevokeCertificateCommand revokes a supervisor certificate and removes the
// capability it stood for from the owner's club membership, both in one
// storage batch.
type RevokeCertificateCommand struct {
	certs     *pki.Store
	directory *membership.Directory
	publisher Publisher
	now       func() time.Time
	logger    *zap.Logger
}

// Revoke checks, in order: the certificate exists, it is not revoked yet,
// it is not a root or club certificate, and the requester is an admin or an
// active chief of the certificate's club. Requesters who could not revoke
// the certificate get ErrUnauthorized for unknown and already revoked
// serials alike.
func (c *RevokeCertificateCommand) Revoke(ctx context.Context, serial, requesterUserID, reason string) (*Revocation, error) {
	cert, err := c.certs.Get(ctx, serial)
	if errors.Is(err, pki.ErrCertificateNotFound) {
		admin, aerr := c.directory.IsAdmin(ctx, requesterUserID)
		if aerr != nil {
			return nil, aerr
		}
		if !admin {
			return nil, ErrUnauthorized
		}
	}
	if err != nil {
		return nil, err
	}
	if cert.Revoked {
		if sup, ok := cert.Kind.(pki.Supervisor); ok {
			if err := c.authorize(ctx, requesterUserID, sup.Scope.Club()); err != nil {
				return nil, err
			}
		}
		return nil, fmt.Errorf("certificate %s: %w", serial, pki.ErrAlreadyRevoked)
	}
	sup, ok := cert.Kind.(pki.Supervisor)
	if !ok {
		return nil, fmt.Errorf("certificate %s: %w", serial, pki.ErrProtectedCertificate)
	}
	if err := c.authorize(ctx, requesterUserID, sup.Scope.Club()); err != nil {
		return nil, err
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRevocationReason
	}
	at := c.now().UTC()

	var res Revocation
	err = c.certs.Repository().Batch(ctx, func(tx storage.BatchTx) error {
		certs := pki.WithTx(tx)
		current, err := certs.Get(serial)
		if err != nil {
			return err
		}
		if err := certs.Revoke(current, at, reason); err != nil {
			return err
		}
		cascade, err := membership.WithTx(tx).ClearCapabilities(sup.UserID, sup.Scope.Club())
		if err != nil {
			return fmt.Errorf("updating membership of %s: %w", sup.UserID, err)
		}
		res = Revocation{Certificate: current, Cascade: cascade}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("certificate revoked",
		zap.String("serial", serial),
		zap.String("owner", sup.UserID),
		zap.String("club_id", sup.Scope.Club()),
		zap.String("by", requesterUserID),
		zap.Bool("role_downgraded", res.Cascade.RoleDowngraded()))
	c.publisher.Publish(ctx, Event{
		Type:              EventCertificateRevoked,
		At:                at,
		UserID:            sup.UserID,
		ActorUserID:       requesterUserID,
		ClubID:            sup.Scope.Club(),
		CertificateSerial: serial,
		Reason:            reason,
	})
	return &res, nil
}

func (c *RevokeCertificateCommand) authorize(ctx context.Context, userID, clubID string) error {
	admin, err := c.directory.IsAdmin(ctx, userID)
	if err != nil {
		return err
	}
	if admin {
		return nil
	}
	chief, err := c.directory.IsChiefOf(ctx, userID, clubID)
	if err != nil {
		return err
	}
	if !chief {
		return ErrUnauthorized
	}
	return nil
}
