package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
)

var directoryCmd = &cobra.Command{
	Use:   "directory",
	Short: "Manage users, clubs, ranges and memberships",
}

var clubName string

var directoryClubCmd = &cobra.Command{
	Use:   "club <club-id>",
	Short: "Create or rename a club",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.directory.PutClub(cmd.Context(), &membership.Club{ID: args[0], Name: clubName})
	},
}

var (
	rangeClubID string
	rangeName   string
)

var directoryRangeCmd = &cobra.Command{
	Use:   "range <range-id>",
	Short: "Create or rename a range of a club",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.directory.PutRange(cmd.Context(), &membership.Range{ID: args[0], ClubID: rangeClubID, Name: rangeName})
	},
}

var (
	userName  string
	userEmail string
	userRole  string
)

var directoryUserCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Create or update a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := membership.ParseRole(userRole)
		if err != nil {
			return err
		}
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.directory.PutUser(cmd.Context(), &membership.User{ID: args[0], Name: userName, Email: userEmail, Role: role})
	},
}

var (
	memberSupervisor bool
	memberChief      bool
	memberInactive   bool
)

var directoryMemberCmd = &cobra.Command{
	Use:   "member <user-id> <club-id>",
	Short: "Set a user's membership in a club",
	Long: `Sets the membership flags of a user in a club. Granting the supervisor
capability also raises the user's role and issues a club-wide supervisor
certificate.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx, false)
		if err != nil {
			return err
		}
		defer rt.Close()
		userID, clubID := args[0], args[1]

		u, err := rt.directory.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := rt.directory.GetClub(ctx, clubID); err != nil {
			return err
		}
		m := &membership.Membership{
			UserID:     userID,
			ClubID:     clubID,
			Supervisor: memberSupervisor,
			Chief:      memberChief,
			Active:     !memberInactive,
		}
		if err := rt.directory.PutMembership(ctx, m); err != nil {
			return err
		}

		want := membership.RoleShooter
		switch {
		case m.Active && m.Chief:
			want = membership.RoleClubChief
		case m.Active && m.Supervisor:
			want = membership.RoleSupervisor
		}
		if !u.Role.AtLeast(want) {
			u.Role = want
			if err := rt.directory.PutUser(ctx, u); err != nil {
				return err
			}
		}

		if m.Active && m.Supervisor {
			cert, err := rt.svc.ProvisionSupervisor(ctx, userID, pki.ClubScope{ClubID: clubID})
			if err != nil {
				return fmt.Errorf("membership saved but certificate issuance failed: %w", err)
			}
			printCertificate(cmd.OutOrStdout(), cert)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(directoryCmd)
	directoryCmd.AddCommand(directoryClubCmd, directoryRangeCmd, directoryUserCmd, directoryMemberCmd)

	directoryClubCmd.Flags().StringVar(&clubName, "name", "", "Display name")
	_ = directoryClubCmd.MarkFlagRequired("name")

	directoryRangeCmd.Flags().StringVar(&rangeClubID, "club", "", "Owning club")
	directoryRangeCmd.Flags().StringVar(&rangeName, "name", "", "Display name")
	_ = directoryRangeCmd.MarkFlagRequired("club")
	_ = directoryRangeCmd.MarkFlagRequired("name")

	directoryUserCmd.Flags().StringVar(&userName, "name", "", "Display name")
	directoryUserCmd.Flags().StringVar(&userEmail, "email", "", "Contact email")
	directoryUserCmd.Flags().StringVar(&userRole, "role", string(membership.RoleShooter), "shooter, supervisor, club_chief or admin")
	_ = directoryUserCmd.MarkFlagRequired("name")

	directoryMemberCmd.Flags().BoolVar(&memberSupervisor, "supervisor", false, "Grant the supervisor capability")
	directoryMemberCmd.Flags().BoolVar(&memberChief, "chief", false, "Grant the club chief capability")
	directoryMemberCmd.Flags().BoolVar(&memberInactive, "inactive", false, "Mark the membership inactive")
}
