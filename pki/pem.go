package pki

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"
)

// Details is the public description of a certificate's X.509 body.
type Details struct {
	Subject           string `json:"subject"`
	Issuer            string `json:"issuer"`
	FingerprintSHA256 string `json:"fingerprint_sha256"`
	KeyAlgorithm      string `json:"key_algorithm"`
}

// Describe parses certPEM and returns its public details.
func Describe(certPEM string) (*Details, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	fingerprint := sha256.Sum256(block.Bytes)
	return &Details{
		Subject:           subjectString(cert.Subject),
		Issuer:            subjectString(cert.Issuer),
		FingerprintSHA256: hex.EncodeToString(fingerprint[:]),
		KeyAlgorithm:      keyAlgorithmString(cert),
	}, nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, l := range name.Locality {
		parts = append(parts, "L="+l)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

// keyAlgorithmString returns a human-readable key algorithm description.
func keyAlgorithmString(cert *x509.Certificate) string {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		return fmt.Sprintf("ECDSA %s", pub.Curve.Params().Name)
	default:
		return cert.PublicKeyAlgorithm.String()
	}
}

func encodeCertPEM(derBytes []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes}))
}

// EncodeChainPEM concatenates the PEM bodies of chain, leaf first.
func EncodeChainPEM(chain Chain) string {
	var sb strings.Builder
	for _, c := range chain {
		sb.WriteString(c.CertificatePEM)
	}
	return sb.String()
}

// SplitChainPEM splits concatenated PEM certificates, as produced by
// EncodeChainPEM, into one PEM string per certificate. Non-certificate
// blocks are rejected.
func SplitChainPEM(data string) ([]string, error) {
	var out []string
	rest := []byte(data)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected %s block", ErrInvalidPEM, block.Type)
		}
		out = append(out, encodeCertPEM(block.Bytes))
	}
	if len(out) == 0 {
		return nil, ErrInvalidPEM
	}
	return out, nil
}
