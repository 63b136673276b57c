package membership

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmcleod/rangebook/storage"
)

const (
	recordUser             = "USER"
	recordClub             = "CLUB"
	recordRange            = "RANGE"
	recordMembershipPrefix = "MEMBERSHIP:"
)

// Directory reads and writes membership records.
type Directory struct {
	repo storage.Repository
}

// NewDirectory returns a Directory backed by repo.
func NewDirectory(repo storage.Repository) *Directory {
	return &Directory{repo: repo}
}

func (d *Directory) PutUser(ctx context.Context, u *User) error {
	return put(ctx, d.repo, recordUser, u.ID, u)
}

func (d *Directory) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	if err := get(ctx, d.repo, recordUser, id, &u, ErrUserNotFound); err != nil {
		return nil, err
	}
	return &u, nil
}

func (d *Directory) PutClub(ctx context.Context, c *Club) error {
	return put(ctx, d.repo, recordClub, c.ID, c)
}

func (d *Directory) GetClub(ctx context.Context, id string) (*Club, error) {
	var c Club
	if err := get(ctx, d.repo, recordClub, id, &c, ErrClubNotFound); err != nil {
		return nil, err
	}
	return &c, nil
}

// PutRange stores r; its club must exist.
func (d *Directory) PutRange(ctx context.Context, r *Range) error {
	if _, err := d.GetClub(ctx, r.ClubID); err != nil {
		return fmt.Errorf("range %s: %w", r.ID, err)
	}
	return put(ctx, d.repo, recordRange, r.ID, r)
}

func (d *Directory) GetRange(ctx context.Context, id string) (*Range, error) {
	var r Range
	if err := get(ctx, d.repo, recordRange, id, &r, ErrRangeNotFound); err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Directory) PutMembership(ctx context.Context, m *Membership) error {
	return put(ctx, d.repo, recordMembershipPrefix+m.UserID, m.ClubID, m)
}

func (d *Directory) GetMembership(ctx context.Context, userID, clubID string) (*Membership, error) {
	var m Membership
	if err := get(ctx, d.repo, recordMembershipPrefix+userID, clubID, &m, ErrMembershipNotFound); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMemberships returns all memberships of a user.
func (d *Directory) ListMemberships(ctx context.Context, userID string) ([]*Membership, error) {
	clubIDs, err := d.repo.List(ctx, recordMembershipPrefix+userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Membership, 0, len(clubIDs))
	for _, clubID := range clubIDs {
		m, err := d.GetMembership(ctx, userID, clubID)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// IsAdmin reports whether userID holds the admin role. Unknown users are
// not admins.
func (d *Directory) IsAdmin(ctx context.Context, userID string) (bool, error) {
	u, err := d.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return u.Role == RoleAdmin, nil
}

// IsChiefOf reports whether userID is an active chief of clubID.
func (d *Directory) IsChiefOf(ctx context.Context, userID, clubID string) (bool, error) {
	m, err := d.GetMembership(ctx, userID, clubID)
	if errors.Is(err, ErrMembershipNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Active && m.Chief, nil
}

// CanModerate reports whether userID may act on entries of clubID as a
// supervisor: admins, and active supervisors or chiefs of the club.
func (d *Directory) CanModerate(ctx context.Context, userID, clubID string) (bool, error) {
	admin, err := d.IsAdmin(ctx, userID)
	if err != nil || admin {
		return admin, err
	}
	m, err := d.GetMembership(ctx, userID, clubID)
	if errors.Is(err, ErrMembershipNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Privileged(), nil
}

// Cascade describes the effect of ClearCapabilities.
type Cascade struct {
	MembershipChanged bool
	PreviousRole      Role
	Role              Role
}

// RoleDowngraded reports whether the top-level role was lowered.
func (c Cascade) RoleDowngraded() bool {
	return c.PreviousRole != c.Role
}

// Tx exposes directory writes inside a storage batch.
type Tx struct {
	tx storage.BatchTx
}

// WithTx wraps a storage batch.
func WithTx(tx storage.BatchTx) Tx {
	return Tx{tx: tx}
}

// ClearCapabilities clears the supervisor and chief flags of userID in
// clubID only. When the user's top-level role was supervisor or club chief
// and no longer follows from the remaining memberships, it is lowered to
// what they still imply. Admin roles are never changed.
func (t Tx) ClearCapabilities(userID, clubID string) (Cascade, error) {
	var res Cascade

	var m Membership
	err := txGet(t.tx, recordMembershipPrefix+userID, clubID, &m, ErrMembershipNotFound)
	switch {
	case err == nil:
		if m.Supervisor || m.Chief {
			m.Supervisor, m.Chief = false, false
			if err := txPut(t.tx, recordMembershipPrefix+userID, clubID, &m); err != nil {
				return res, err
			}
			res.MembershipChanged = true
		}
	case !errors.Is(err, ErrMembershipNotFound):
		return res, err
	}

	var u User
	err = txGet(t.tx, recordUser, userID, &u, ErrUserNotFound)
	if errors.Is(err, ErrUserNotFound) {
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.PreviousRole, res.Role = u.Role, u.Role
	if u.Role != RoleSupervisor && u.Role != RoleClubChief {
		return res, nil
	}

	clubIDs, err := t.tx.List(recordMembershipPrefix + userID)
	if err != nil {
		return res, err
	}
	remaining := make([]*Membership, 0, len(clubIDs))
	for _, id := range clubIDs {
		var other Membership
		if err := txGet(t.tx, recordMembershipPrefix+userID, id, &other, ErrMembershipNotFound); err != nil {
			return res, err
		}
		remaining = append(remaining, &other)
	}
	if derived := derivedRole(remaining); derived.rank() < u.Role.rank() {
		u.Role = derived
		if err := txPut(t.tx, recordUser, userID, &u); err != nil {
			return res, err
		}
		res.Role = derived
	}
	return res, nil
}

func put(ctx context.Context, repo storage.Repository, recordType, id string, v any) error {
	rec, err := storage.EncodeRecord(v, 0)
	if err != nil {
		return err
	}
	return repo.Put(ctx, recordType, id, rec)
}

func get(ctx context.Context, repo storage.Repository, recordType, id string, v any, notFound error) error {
	rec, err := repo.Get(ctx, recordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, notFound)
		}
		return err
	}
	return storage.DecodeRecord(rec, v)
}

func txPut(tx storage.BatchTx, recordType, id string, v any) error {
	rec, err := storage.EncodeRecord(v, 0)
	if err != nil {
		return err
	}
	return tx.Put(recordType, id, rec)
}

func txGet(tx storage.BatchTx, recordType, id string, v any, notFound error) error {
	rec, err := tx.Get(recordType, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, notFound)
		}
		return err
	}
	return storage.DecodeRecord(rec, v)
}
