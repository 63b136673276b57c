// Package pki implements the three-level certificate hierarchy that backs
// entry attestation: a single self-signed root, one intermediate per club,
// and supervisor leaf certificates scoped to a club or a single range.
//
// Certificates are persisted on a storage.Repository together with their
// sealed private keys. Private keys are only unsealed for the duration of
// a signing operation.
package pki

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/internal/util"
	"github.com/jmcleod/rangebook/storage"
)

// serialBytes is the size of a certificate serial number (128 bits).
const serialBytes = 16

// noWellDefinedExpiry is the X.509 NotAfter used for non-expiring
// certificates (RFC 5280 §4.1.2.5).
var noWellDefinedExpiry = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

const year = 365 * 24 * time.Hour

// ValidityPolicy sets the lifetime of each certificate level. A zero
// duration issues a non-expiring certificate.
type ValidityPolicy struct {
	Root       time.Duration `koanf:"root"`
	Club       time.Duration `koanf:"club"`
	Supervisor time.Duration `koanf:"supervisor"`
}

// DefaultValidityPolicy returns 20 years for the root, 5 for clubs and 3
// for supervisors.
func DefaultValidityPolicy() ValidityPolicy {
	return ValidityPolicy{Root: 20 * year, Club: 5 * year, Supervisor: 3 * year}
}

func (p ValidityPolicy) expiry(t Type, issuedAt time.Time) *time.Time {
	var d time.Duration
	switch t {
	case TypeRoot:
		d = p.Root
	case TypeClub:
		d = p.Club
	case TypeSupervisor:
		d = p.Supervisor
	}
	if d <= 0 {
		return nil
	}
	exp := issuedAt.Add(d)
	return &exp
}

// Naming controls the distinguished names written into certificates.
type Naming struct {
	Organization   string `koanf:"organization"`
	Country        string `koanf:"country"`
	RootCommonName string `koanf:"root_common_name"`
	ClubUnit       string `koanf:"club_unit"`
	SupervisorUnit string `koanf:"supervisor_unit"`
}

// DefaultNaming returns the distinguished-name defaults.
func DefaultNaming() Naming {
	return Naming{
		Organization:   "Digitales Schiessbuch",
		Country:        "DE",
		RootCommonName: "Digitales Schiessbuch Root CA",
		ClubUnit:       "Verein",
		SupervisorUnit: "Aufseher",
	}
}

func (n Naming) name(cn string, ou ...string) pkix.Name {
	name := pkix.Name{CommonName: cn, OrganizationalUnit: ou}
	if n.Organization != "" {
		name.Organization = []string{n.Organization}
	}
	if n.Country != "" {
		name.Country = []string{n.Country}
	}
	return name
}

// Authority issues certificates and signs on behalf of their holders.
type Authority struct {
	store     *Store
	validator *Validator
	keys      KeyStore
	sealer    *Sealer
	policy    ValidityPolicy
	naming    Naming
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithKeyStore sets the key store used for new keys. Default: SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(a *Authority) {
		a.keys = ks
	}
}

// WithValidityPolicy sets certificate lifetimes.
func WithValidityPolicy(p ValidityPolicy) Option {
	return func(a *Authority) {
		a.policy = p
	}
}

// WithNaming sets the distinguished-name defaults.
func WithNaming(n Naming) Option {
	return func(a *Authority) {
		a.naming = n
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

// NewAuthority returns an Authority persisting to store and sealing keys
// with sealer.
func NewAuthority(store *Store, sealer *Sealer, opts ...Option) *Authority {
	a := &Authority{
		store:     store,
		validator: NewValidator(store),
		keys:      NewSoftwareKeyStore(),
		sealer:    sealer,
		policy:    DefaultValidityPolicy(),
		naming:    DefaultNaming(),
		now:       time.Now,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(zap.String("component", "pki"))
	return a
}

// Store returns the certificate store.
func (a *Authority) Store() *Store { return a.store }

// Validator returns the chain validator.
func (a *Authority) Validator() *Validator { return a.validator }

// IssueRoot creates the self-signed root certificate. It fails with
// ErrAlreadyExists when a root has been issued before.
func (a *Authority) IssueRoot(ctx context.Context) (*Certificate, error) {
	if _, err := a.store.Root(ctx); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrCertificateNotFound) {
		return nil, err
	}
	return a.issue(ctx, Root{}, a.naming.name(a.naming.RootCommonName), nil)
}

// IssueClubCertificate issues an intermediate certificate for clubID,
// signed by the root. clubName becomes the subject common name.
func (a *Authority) IssueClubCertificate(ctx context.Context, clubID, clubName string) (*Certificate, error) {
	if clubID == "" {
		return nil, fmt.Errorf("%w: empty club id", ErrInvalidKind)
	}
	kind := Club{ClubID: clubID}
	if _, err := a.store.ActiveClub(ctx, clubID); err == nil {
		return nil, fmt.Errorf("club %s: %w", clubID, ErrDuplicateCertificate)
	} else if !errors.Is(err, ErrCertificateNotFound) {
		return nil, err
	}

	root, err := a.store.Root(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading root certificate: %w", err)
	}
	if _, err := a.validator.Validate(ctx, root.Serial, a.now()); err != nil {
		return nil, fmt.Errorf("root certificate unusable: %w", err)
	}
	return a.issue(ctx, kind, a.naming.name(clubName, a.naming.ClubUnit), root)
}

// IssueSupervisorCertificate issues a leaf certificate for userID within
// scope, signed by the scope's club certificate. scopeName is appended to
// the supervisor organizational unit.
func (a *Authority) IssueSupervisorCertificate(ctx context.Context, userID, userName string, scope Scope, scopeName string) (*Certificate, error) {
	if userID == "" || scope == nil || scope.Club() == "" {
		return nil, fmt.Errorf("%w: supervisor certificate needs a user and a scope", ErrInvalidKind)
	}
	kind := Supervisor{UserID: userID, Scope: scope}
	if _, err := a.store.ActiveSupervisor(ctx, userID, scope); err == nil {
		return nil, fmt.Errorf("user %s %s: %w", userID, scope.Key(), ErrDuplicateCertificate)
	} else if !errors.Is(err, ErrCertificateNotFound) {
		return nil, err
	}

	club, err := a.store.ActiveClub(ctx, scope.Club())
	if err != nil {
		return nil, fmt.Errorf("loading club certificate: %w", err)
	}
	if _, err := a.validator.Validate(ctx, club.Serial, a.now()); err != nil {
		return nil, fmt.Errorf("club certificate unusable: %w", err)
	}

	unit := a.naming.SupervisorUnit
	if scopeName != "" {
		unit += " " + scopeName
	}
	return a.issue(ctx, kind, a.naming.name(userName, unit), club)
}

func (a *Authority) issue(ctx context.Context, kind Kind, subject pkix.Name, issuer *Certificate) (*Certificate, error) {
	serial, serialNum, err := newSerial()
	if err != nil {
		return nil, err
	}
	issuedAt := a.now().UTC()
	expiresAt := a.policy.expiry(kind.Type(), issuedAt)

	keyID, err := a.keys.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating %s key: %w", kind.Type(), err)
	}
	defer a.keys.Release(keyID)
	signer, err := a.keys.Signer(keyID)
	if err != nil {
		return nil, fmt.Errorf("getting %s signer: %w", kind.Type(), err)
	}

	notAfter := noWellDefinedExpiry
	if expiresAt != nil {
		notAfter = *expiresAt
	}
	template := &x509.Certificate{
		SerialNumber:          serialNum,
		Subject:               subject,
		NotBefore:             issuedAt,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
	}
	switch kind.(type) {
	case Root:
		template.IsCA = true
		template.MaxPathLen = 1
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	case Club:
		template.IsCA = true
		template.MaxPathLenZero = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	case Supervisor:
		template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment
	}

	parent := template
	parentSigner := crypto.Signer(signer)
	issuerSerial := serial
	issuerName := subjectString(subject)
	if issuer != nil {
		if parent, err = ParseCertificate(issuer.CertificatePEM); err != nil {
			return nil, fmt.Errorf("parsing issuer certificate: %w", err)
		}
		var release func()
		parentSigner, release, err = a.signerFor(issuer)
		if err != nil {
			return nil, err
		}
		defer release()
		issuerSerial = issuer.Serial
		issuerName = issuer.SubjectName
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, parent, signer.Public(), parentSigner)
	if err != nil {
		return nil, fmt.Errorf("creating %s certificate: %w", kind.Type(), err)
	}

	keyPEM, err := a.keys.ExportPEM(keyID)
	if err != nil {
		return nil, fmt.Errorf("exporting %s private key: %w", kind.Type(), err)
	}
	sealed, err := a.sealer.Seal(serial, []byte(keyPEM))
	if err != nil {
		return nil, fmt.Errorf("sealing %s private key: %w", kind.Type(), err)
	}

	cert := &Certificate{
		Serial:         serial,
		Kind:           kind,
		SubjectName:    subjectString(subject),
		IssuerName:     issuerName,
		CertificatePEM: encodeCertPEM(derBytes),
		PrivateKey:     sealed,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		IssuerSerial:   issuerSerial,
	}
	err = a.store.Repository().Batch(ctx, func(tx storage.BatchTx) error {
		return WithTx(tx).Create(cert)
	})
	if err != nil {
		return nil, err
	}

	a.logger.Info("certificate issued",
		zap.String("serial", cert.Serial),
		zap.String("type", string(kind.Type())),
		zap.String("subject", cert.SubjectName),
		zap.String("issuer_serial", cert.IssuerSerial))
	return cert, nil
}

// SignDigest signs a SHA-256 digest with cert's private key and returns an
// ASN.1 ECDSA signature.
func (a *Authority) SignDigest(cert *Certificate, digest []byte) ([]byte, error) {
	signer, release, err := a.signerFor(cert)
	if err != nil {
		return nil, err
	}
	defer release()
	sig, err := signer.Sign(rand.Reader, digest, crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("signing with certificate %s: %w", cert.Serial, err)
	}
	return sig, nil
}

// signerFor unseals cert's private key into the key store. The returned
// release function drops the key handle again.
func (a *Authority) signerFor(cert *Certificate) (crypto.Signer, func(), error) {
	keyPEM, err := a.sealer.Open(cert.Serial, cert.PrivateKey)
	if err != nil {
		return nil, nil, err
	}
	defer util.WipeBytes(keyPEM)

	keyID, err := a.keys.ImportPEM(string(keyPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("importing key for %s: %w", cert.Serial, err)
	}
	signer, err := a.keys.Signer(keyID)
	if err != nil {
		a.keys.Release(keyID)
		return nil, nil, err
	}
	return signer, func() { a.keys.Release(keyID) }, nil
}

// VerifyDigest checks an ASN.1 ECDSA signature over digest against the
// public key in certPEM.
func VerifyDigest(certPEM string, digest, sig []byte) error {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: unsupported public key %T", ErrInvalidSignature, cert.PublicKey)
	}
	if !ecdsa.VerifyASN1(pub, digest, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func newSerial() (string, *big.Int, error) {
	b, err := util.RandomBytes(serialBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generating serial: %w", err)
	}
	b[0] &= 0x7f
	b[0] |= 0x01
	return util.HexEncode(b), new(big.Int).SetBytes(b), nil
}
