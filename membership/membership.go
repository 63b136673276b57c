// Package membership holds the user, club, range and membership records
// that attestation authorizes against.
package membership

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound is returned when no user exists for an ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrClubNotFound is returned when no club exists for an ID.
	ErrClubNotFound = errors.New("club not found")
	// ErrRangeNotFound is returned when no range exists for an ID.
	ErrRangeNotFound = errors.New("range not found")
	// ErrMembershipNotFound is returned when a user is not a member of a club.
	ErrMembershipNotFound = errors.New("membership not found")
)

// Role is a user's top-level role designation.
type Role string

const (
	RoleShooter    Role = "shooter"
	RoleSupervisor Role = "supervisor"
	RoleClubChief  Role = "club_chief"
	RoleAdmin      Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleSupervisor:
		return 1
	case RoleClubChief:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether r ranks at or above o.
func (r Role) AtLeast(o Role) bool { return r.rank() >= o.rank() }

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleShooter, RoleSupervisor, RoleClubChief, RoleAdmin:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  Role   `json:"role"`
}

type Club struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Range is a shooting range; it belongs to exactly one club.
type Range struct {
	ID     string `json:"id"`
	ClubID string `json:"club_id"`
	Name   string `json:"name"`
}

// Membership links a user to a club with optional capability flags.
type Membership struct {
	UserID     string `json:"user_id"`
	ClubID     string `json:"club_id"`
	Supervisor bool   `json:"supervisor"`
	Chief      bool   `json:"chief"`
	Active     bool   `json:"active"`
}

// Privileged reports whether the membership carries an active capability.
func (m *Membership) Privileged() bool {
	return m.Active && (m.Supervisor || m.Chief)
}

// derivedRole returns the highest role implied by memberships.
func derivedRole(memberships []*Membership) Role {
	role := RoleShooter
	for _, m := range memberships {
		if !m.Active {
			continue
		}
		if m.Chief {
			return RoleClubChief
		}
		if m.Supervisor {
			role = RoleSupervisor
		}
	}
	return role
}
