package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/pki"
)

var pkiCmd = &cobra.Command{
	Use:   "pki",
	Short: "Certificate authority administration",
	Long: `Commands for issuing, revoking, verifying and exporting certificates.
They operate directly on the configured storage.`,
}

var pkiInitRootCmd = &cobra.Command{
	Use:   "init-root",
	Short: "Issue the self-signed root certificate",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		cert, err := rt.authority.IssueRoot(cmd.Context())
		if errors.Is(err, pki.ErrAlreadyExists) {
			return errors.New("a root certificate already exists")
		}
		if err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	},
}

var pkiIssueClubCmd = &cobra.Command{
	Use:   "issue-club <club-id>",
	Short: "Ensure the club has an active club certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		cert, err := rt.svc.ProvisionClub(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	},
}

var (
	issueClubID  string
	issueRangeID string
)

var pkiIssueSupervisorCmd = &cobra.Command{
	Use:   "issue-supervisor <user-id>",
	Short: "Ensure the user has an active supervisor certificate",
	Long: `Issues a supervisor certificate scoped to --club, or to a single
range when --range is also given. An existing active certificate for the
same scope is returned unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		var scope pki.Scope = pki.ClubScope{ClubID: issueClubID}
		if issueRangeID != "" {
			scope = pki.RangeScope{ClubID: issueClubID, RangeID: issueRangeID}
		}
		cert, err := rt.svc.ProvisionSupervisor(cmd.Context(), args[0], scope)
		if err != nil {
			return err
		}
		printCertificate(cmd.OutOrStdout(), cert)
		return nil
	},
}

var (
	revokeAs     string
	revokeReason string
)

var pkiRevokeCmd = &cobra.Command{
	Use:   "revoke <serial>",
	Short: "Revoke a supervisor certificate",
	Long: `Revokes a supervisor certificate on behalf of --as, who must be an
admin or a chief of the certificate's club. The holder loses the
supervisor capability in that club.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		rev, err := rt.svc.Revoke(cmd.Context(), args[0], revokeAs, revokeReason)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		printCertificate(out, rev.Certificate)
		if rev.Cascade.RoleDowngraded() {
			fmt.Fprintf(out, "Role lowered from %s to %s\n", rev.Cascade.PreviousRole, rev.Cascade.Role)
		}
		return nil
	},
}

var verifyJSONOutput bool

var pkiVerifyCmd = &cobra.Command{
	Use:   "verify <serial>",
	Short: "Report the status of a certificate and its chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		res, err := rt.svc.Verify(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		var report *attest.ChainReport
		if res.Status != attest.StatusNotFound {
			if report, err = rt.svc.VerifyChain(cmd.Context(), args[0]); err != nil {
				return err
			}
		}
		out := cmd.OutOrStdout()
		if verifyJSONOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				*attest.VerificationResult
				Chain *attest.ChainReport `json:"chain,omitempty"`
			}{res, report})
		}
		printVerification(out, res, report)
		if res.Status != attest.StatusValid {
			return fmt.Errorf("certificate %s is %s", res.Serial, res.Status)
		}
		return nil
	},
}

var exportChain bool

var pkiExportCmd = &cobra.Command{
	Use:   "export <serial>",
	Short: "Write a certificate as PEM to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		var body string
		if exportChain {
			body, err = rt.svc.ExportChain(cmd.Context(), args[0])
		} else {
			body, err = rt.svc.ExportCertificate(cmd.Context(), args[0])
		}
		if err != nil {
			return err
		}
		_, err = io.WriteString(cmd.OutOrStdout(), body)
		return err
	},
}

func printCertificate(w io.Writer, c *pki.Certificate) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Serial:\t%s\n", c.Serial)
	fmt.Fprintf(tw, "Type:\t%s\n", c.Kind.Type())
	fmt.Fprintf(tw, "Subject:\t%s\n", c.SubjectName)
	fmt.Fprintf(tw, "Issuer:\t%s\n", c.IssuerName)
	fmt.Fprintf(tw, "Issued:\t%s\n", c.IssuedAt.Format(time.RFC3339))
	if c.ExpiresAt != nil {
		fmt.Fprintf(tw, "Expires:\t%s\n", c.ExpiresAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(tw, "Expires:\tnever\n")
	}
	if c.Revoked && c.RevokedAt != nil {
		fmt.Fprintf(tw, "Revoked:\t%s (%s)\n", c.RevokedAt.Format(time.RFC3339), c.RevocationReason)
	}
	tw.Flush()
}

func printVerification(w io.Writer, res *attest.VerificationResult, report *attest.ChainReport) {
	fmt.Fprintf(w, "Certificate %s: %s\n", res.Serial, res.Status)
	if v := res.Certificate; v != nil {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "  Type:\t%s\n", v.Type)
		if v.OwnerName != "" {
			fmt.Fprintf(tw, "  Holder:\t%s\n", v.OwnerName)
		}
		if v.ClubName != "" {
			fmt.Fprintf(tw, "  Club:\t%s\n", v.ClubName)
		}
		if v.RangeName != "" {
			fmt.Fprintf(tw, "  Range:\t%s\n", v.RangeName)
		}
		fmt.Fprintf(tw, "  Fingerprint:\t%s\n", v.FingerprintSHA256)
		tw.Flush()
	}
	if report == nil {
		return
	}
	for _, link := range report.Links {
		fmt.Fprintf(w, "  [%s] %s %s\n", link.Type, link.Serial, link.Subject)
	}
	if report.Valid {
		fmt.Fprintln(w, "Chain: VALID")
	} else {
		fmt.Fprintf(w, "Chain: INVALID at %s: %s\n", report.FailedSerial, report.Error)
	}
}

func init() {
	rootCmd.AddCommand(pkiCmd)
	pkiCmd.AddCommand(pkiInitRootCmd, pkiIssueClubCmd, pkiIssueSupervisorCmd, pkiRevokeCmd, pkiVerifyCmd, pkiExportCmd)

	pkiIssueSupervisorCmd.Flags().StringVar(&issueClubID, "club", "", "Club the certificate is issued under")
	pkiIssueSupervisorCmd.Flags().StringVar(&issueRangeID, "range", "", "Limit the certificate to one range of the club")
	_ = pkiIssueSupervisorCmd.MarkFlagRequired("club")

	pkiRevokeCmd.Flags().StringVar(&revokeAs, "as", "", "User ID of the admin or club chief performing the revocation")
	pkiRevokeCmd.Flags().StringVar(&revokeReason, "reason", "", "Revocation reason")
	_ = pkiRevokeCmd.MarkFlagRequired("as")

	pkiVerifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	pkiExportCmd.Flags().BoolVar(&exportChain, "chain", false, "Append the issuing certificates")
}
