package cmd

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/pki"
)

type verifyResult struct {
	EntryFile string        `json:"entry_file"`
	ChainFile string        `json:"chain_file"`
	EntryID   string        `json:"entry_id"`
	Valid     bool          `json:"valid"`
	Checks    []checkResult `json:"checks"`
	Note      string        `json:"note,omitempty"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

func (r *verifyResult) pass(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "pass", Detail: detail})
}

func (r *verifyResult) warn(name, detail string) {
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "warn", Detail: detail})
}

func (r *verifyResult) fail(name, detail string) {
	r.Valid = false
	r.Checks = append(r.Checks, checkResult{Name: name, Status: "fail", Detail: detail})
}

const revocationNote = "revocation status cannot be checked offline; query GET /api/v1/certificates/{serial}"

// verifySignedEntry checks a signed entry against the PEM chain of its
// signing certificate, leaf first. The chain must end in trustedRoot.
func verifySignedEntry(e *entry.LogEntry, chainPEM string, trustedRoot *x509.Certificate) verifyResult {
	result := verifyResult{EntryID: e.ID, Valid: true, Note: revocationNote}

	sig := e.Signature
	if e.Status != entry.StatusSigned || sig == nil {
		result.fail("entry_signed", fmt.Sprintf("entry status is %s", e.Status))
		return result
	}
	result.pass("entry_signed", "")

	// 1. Digest recomputation.
	digest := entry.Digest(e, sig.SignerUserID, sig.SignedAt)
	if got := util.HexEncode(digest); got == sig.Digest {
		result.pass("digest", "")
	} else {
		result.fail("digest", fmt.Sprintf("recorded digest %s, recomputed %s", sig.Digest, got))
	}

	pems, err := pki.SplitChainPEM(chainPEM)
	if err != nil {
		result.fail("chain_parse", err.Error())
		return result
	}
	certs := make([]*x509.Certificate, len(pems))
	for i, p := range pems {
		if certs[i], err = pki.ParseCertificate(p); err != nil {
			result.fail("chain_parse", fmt.Sprintf("certificate %d: %v", i, err))
			return result
		}
	}
	leaf := certs[0]

	// 2. Signing certificate identity.
	if serial := util.HexEncode(leaf.SerialNumber.Bytes()); serial == sig.CertificateSerial {
		result.pass("certificate_serial", serial)
	} else {
		result.fail("certificate_serial", fmt.Sprintf("chain leaf is %s, entry names %s", serial, sig.CertificateSerial))
	}

	// 3. Signature.
	if err := pki.VerifyDigest(pems[0], digest, sig.Value); err == nil {
		result.pass("signature", "")
	} else {
		result.fail("signature", err.Error())
	}

	// 4. Chain shape: supervisor leaf, club CA, root CA.
	if err := checkChainStructure(certs); err == nil {
		result.pass("chain_structure", "supervisor, club and root certificates")
	} else {
		result.fail("chain_structure", err.Error())
	}

	// 5. Chain links up to a self-signed root.
	if err := checkChainLinks(certs); err == nil {
		result.pass("chain_links", fmt.Sprintf("%d certificate(s) link to a self-signed root", len(certs)))
	} else {
		result.fail("chain_links", err.Error())
	}

	// 6. The root is the one the verifier trusts.
	root := certs[len(certs)-1]
	if bytes.Equal(root.Raw, trustedRoot.Raw) {
		result.pass("trusted_root", fingerprint(trustedRoot))
	} else {
		result.fail("trusted_root", fmt.Sprintf("chain root %s does not match trusted root %s",
			fingerprint(root), fingerprint(trustedRoot)))
	}

	// 7. Validity windows at signing time.
	for i, c := range certs {
		if !withinValidity(c, sig.SignedAt) {
			result.fail("validity", fmt.Sprintf("certificate %d (%s) was not valid at %s",
				i, c.Subject.CommonName, sig.SignedAt.Format(time.RFC3339)))
			return result
		}
	}
	result.pass("validity", "all certificates valid at signing time")
	if time.Now().After(leaf.NotAfter) && !isUnbounded(leaf) {
		result.warn("validity_now", "signing certificate has since expired")
	}
	return result
}

func checkChainStructure(certs []*x509.Certificate) error {
	if len(certs) != pki.MaxChainDepth {
		return fmt.Errorf("chain has %d certificates, want %d", len(certs), pki.MaxChainDepth)
	}
	leaf, club, root := certs[0], certs[1], certs[2]
	if leaf.IsCA || leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return errors.New("leaf is not a signing certificate")
	}
	if !club.IsCA || club.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("intermediate certificate is not a club CA")
	}
	if !root.IsCA || root.KeyUsage&x509.KeyUsageCertSign == 0 {
		return errors.New("last certificate is not a root CA")
	}
	return nil
}

func fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return "sha256:" + util.HexEncode(sum[:])
}

func checkChainLinks(certs []*x509.Certificate) error {
	for i := 0; i < len(certs)-1; i++ {
		if err := certs[i].CheckSignatureFrom(certs[i+1]); err != nil {
			return fmt.Errorf("certificate %d is not signed by certificate %d: %w", i, i+1, err)
		}
	}
	root := certs[len(certs)-1]
	if err := root.CheckSignatureFrom(root); err != nil {
		return fmt.Errorf("last certificate is not a self-signed root: %w", err)
	}
	return nil
}

func withinValidity(c *x509.Certificate, at time.Time) bool {
	if at.Before(c.NotBefore) {
		return false
	}
	return isUnbounded(c) || at.Before(c.NotAfter)
}

// isUnbounded reports the RFC 5280 "no well-defined expiration" date.
func isUnbounded(c *x509.Certificate) bool {
	return c.NotAfter.Year() == 9999
}

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Entry signature verification: %s\n", result.EntryFile)
	fmt.Fprintf(w, "Entry ID: %s\n", result.EntryID)
	fmt.Fprintf(w, "Chain:    %s\n\n", result.ChainFile)

	failures, warnings := 0, 0
	for _, c := range result.Checks {
		tag := "[PASS]"
		switch c.Status {
		case "fail":
			tag = "[FAIL]"
			failures++
		case "warn":
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}
	if result.Note != "" {
		fmt.Fprintf(w, "[INFO] %s\n", result.Note)
	}

	fmt.Fprintln(w)
	if result.Valid {
		fmt.Fprintln(w, "Result: VALID")
	} else {
		fmt.Fprintf(w, "Result: INVALID (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

var (
	verifyEntryJSON bool
	verifyEntryRoot string
)

var verifyEntryCmd = &cobra.Command{
	Use:   "verify-entry <entry.json> <chain.pem> --root <root.pem>",
	Short: "Verify a signed entry offline",
	Long: `Reads an entry as returned by GET /api/v1/entries/{id} and the PEM
chain of its signing certificate (GET /api/v1/certificates/{serial}/pem?chain=true)
and checks the digest, the signature and the certificate chain. The chain
must end in the root certificate given with --root, obtained out of band
(for example "rangebook pki export <root-serial>").

Exits 1 when verification fails and 2 when the inputs cannot be read.`,
	Args: cobra.ExactArgs(2),
	RunE: runVerifyEntry,
}

func init() {
	rootCmd.AddCommand(verifyEntryCmd)
	verifyEntryCmd.Flags().BoolVar(&verifyEntryJSON, "json", false, "Output results as JSON")
	verifyEntryCmd.Flags().StringVar(&verifyEntryRoot, "root", "", "PEM file of the trusted root certificate")
	_ = verifyEntryCmd.MarkFlagRequired("root")
}

func runVerifyEntry(cmd *cobra.Command, args []string) error {
	entryPath, chainPath := args[0], args[1]

	data, err := os.ReadFile(entryPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read entry: %v\n", err)
		os.Exit(2)
	}
	var e entry.LogEntry
	if err := json.Unmarshal(data, &e); err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid entry JSON: %v\n", err)
		os.Exit(2)
	}
	chain, err := os.ReadFile(chainPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read chain: %v\n", err)
		os.Exit(2)
	}

	rootPEM, err := os.ReadFile(verifyEntryRoot)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot read trusted root: %v\n", err)
		os.Exit(2)
	}
	trustedRoot, err := pki.ParseCertificate(string(rootPEM))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid trusted root: %v\n", err)
		os.Exit(2)
	}

	result := verifySignedEntry(&e, string(chain), trustedRoot)
	result.EntryFile, result.ChainFile = entryPath, chainPath

	out := cmd.OutOrStdout()
	if verifyEntryJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(2)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
