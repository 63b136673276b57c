package attest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/pki"
)

// ProvisionClub returns the club's live certificate, issuing one when the
// club has none.
func (s *Service) ProvisionClub(ctx context.Context, clubID string) (*pki.Certificate, error) {
	cert, err := s.certs.ActiveClub(ctx, clubID)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, pki.ErrCertificateNotFound) {
		return nil, err
	}
	club, err := s.directory.GetClub(ctx, clubID)
	if err != nil {
		return nil, err
	}
	cert, err = s.authority.IssueClubCertificate(ctx, club.ID, club.Name)
	if errors.Is(err, pki.ErrDuplicateCertificate) {
		return s.certs.ActiveClub(ctx, clubID)
	}
	return cert, err
}

// ProvisionSupervisor returns the user's live certificate for scope,
// issuing the club certificate and the supervisor certificate as needed.
// It is called when a user is granted the supervisor capability.
func (s *Service) ProvisionSupervisor(ctx context.Context, userID string, scope pki.Scope) (*pki.Certificate, error) {
	if scope == nil {
		return nil, fmt.Errorf("%w: missing scope", pki.ErrInvalidKind)
	}
	cert, err := s.certs.ActiveSupervisor(ctx, userID, scope)
	if err == nil {
		return cert, nil
	}
	if !errors.Is(err, pki.ErrCertificateNotFound) {
		return nil, err
	}

	user, err := s.directory.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	club, err := s.directory.GetClub(ctx, scope.Club())
	if err != nil {
		return nil, err
	}
	scopeName := club.Name
	if rs, ok := scope.(pki.RangeScope); ok {
		rng, err := s.directory.GetRange(ctx, rs.RangeID)
		if err != nil {
			return nil, err
		}
		if rng.ClubID != rs.ClubID {
			return nil, fmt.Errorf("%w: range %s does not belong to club %s", pki.ErrInvalidKind, rs.RangeID, rs.ClubID)
		}
		scopeName = rng.Name
	}

	if _, err := s.ProvisionClub(ctx, club.ID); err != nil {
		return nil, err
	}
	cert, err = s.authority.IssueSupervisorCertificate(ctx, user.ID, user.Name, scope, scopeName)
	if errors.Is(err, pki.ErrDuplicateCertificate) {
		return s.certs.ActiveSupervisor(ctx, userID, scope)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("supervisor provisioned",
		zap.String("user_id", userID),
		zap.String("scope", scope.Key()),
		zap.String("serial", cert.Serial))
	return cert, nil
}
