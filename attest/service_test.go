package attest_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/rangebook/attest"
	"github.com/jmcleod/rangebook/entry"
	"github.com/jmcleod/rangebook/membership"
	"github.com/jmcleod/rangebook/pki"
	"github.com/jmcleod/rangebook/storage/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recorder struct {
	mu     sync.Mutex
	events []attest.Event
}

func (r *recorder) Publish(_ context.Context, ev attest.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(t attest.EventType) []attest.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []attest.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	svc       *attest.Service
	authority *pki.Authority
	directory *membership.Directory
	events    *recorder
	clock     *clock
	root      *pki.Certificate
	club      *pki.Certificate
	u1        *pki.Certificate
}

// newFixture provisions club C1 with range R1, admin, chief, shooter S1
// and two supervisors U1 and U2 holding club-scoped certificates.
func newFixture(t *testing.T, opts ...attest.Option) *fixture {
	t.Helper()
	ctx := t.Context()
	repo := memory.NewRepository()
	clk := &clock{now: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	sealer, err := pki.NewRandomSealer()
	require.NoError(t, err)
	authority := pki.NewAuthority(pki.NewStore(repo), sealer, pki.WithClock(clk.Now))
	directory := membership.NewDirectory(repo)
	events := &recorder{}

	opts = append([]attest.Option{attest.WithClock(clk.Now), attest.WithPublisher(events)}, opts...)
	svc := attest.NewService(authority, entry.NewStore(repo), directory, opts...)

	require.NoError(t, directory.PutClub(ctx, &membership.Club{ID: "C1", Name: "SV Musterstadt"}))
	require.NoError(t, directory.PutClub(ctx, &membership.Club{ID: "C2", Name: "SG Beispielhausen"}))
	require.NoError(t, directory.PutRange(ctx, &membership.Range{ID: "R1", ClubID: "C1", Name: "Stand 1"}))
	require.NoError(t, directory.PutRange(ctx, &membership.Range{ID: "R2", ClubID: "C1", Name: "Stand 2"}))
	users := []*membership.User{
		{ID: "admin", Name: "Admin", Role: membership.RoleAdmin},
		{ID: "chief", Name: "Chief", Role: membership.RoleClubChief},
		{ID: "S1", Name: "Max Schuetze", Email: "max@example.org", Role: membership.RoleShooter},
		{ID: "U1", Name: "Erika Muster", Role: membership.RoleSupervisor},
		{ID: "U2", Name: "Hans Beispiel", Role: membership.RoleSupervisor},
	}
	for _, u := range users {
		require.NoError(t, directory.PutUser(ctx, u))
	}
	memberships := []*membership.Membership{
		{UserID: "chief", ClubID: "C1", Chief: true, Active: true},
		{UserID: "S1", ClubID: "C1", Active: true},
		{UserID: "U1", ClubID: "C1", Supervisor: true, Active: true},
		{UserID: "U1", ClubID: "C2", Supervisor: true, Active: true},
		{UserID: "U2", ClubID: "C1", Supervisor: true, Active: true},
	}
	for _, m := range memberships {
		require.NoError(t, directory.PutMembership(ctx, m))
	}

	root, err := authority.IssueRoot(ctx)
	require.NoError(t, err)
	u1, err := svc.ProvisionSupervisor(ctx, "U1", pki.ClubScope{ClubID: "C1"})
	require.NoError(t, err)
	_, err = svc.ProvisionSupervisor(ctx, "U2", pki.ClubScope{ClubID: "C1"})
	require.NoError(t, err)
	club, err := authority.Store().ActiveClub(ctx, "C1")
	require.NoError(t, err)

	return &fixture{
		svc:       svc,
		authority: authority,
		directory: directory,
		events:    events,
		clock:     clk,
		root:      root,
		club:      club,
		u1:        u1,
	}
}

func (f *fixture) newEntry(t *testing.T, id string) *entry.LogEntry {
	t.Helper()
	e := &entry.LogEntry{
		ID:          id,
		OwnerUserID: "S1",
		ClubID:      "C1",
		RangeID:     "R1",
		LoggedAt:    f.clock.Now().Add(-time.Hour),
		Discipline:  "Luftgewehr",
		Caliber:     "4.5mm",
		ShotCount:   40,
		Result:      "382",
	}
	require.NoError(t, f.svc.CreateEntry(t.Context(), e))
	return e
}

func TestChainOfFreshHierarchyIsValid(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	assert.Equal(t, f.root.Serial, f.club.IssuerSerial)
	assert.Equal(t, f.club.Serial, f.u1.IssuerSerial)

	chain, err := f.authority.Validator().Validate(ctx, f.u1.Serial, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, chain, 3)

	for _, c := range []*pki.Certificate{f.club, f.u1} {
		_, err := f.authority.Validator().Validate(ctx, c.Serial, c.IssuedAt)
		assert.NoError(t, err, "valid at its own issuance instant")
	}
}

func TestCreateEntry(t *testing.T) {
	f := newFixture(t)
	e := f.newEntry(t, "")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, entry.StatusAwaitingSignature, e.Status)
	assert.Equal(t, f.clock.Now(), e.CreatedAt)

	requested := f.events.ofType(attest.EventSignatureRequested)
	require.Len(t, requested, 1)
	assert.Equal(t, e.ID, requested[0].EntryID)
	assert.Equal(t, "C1", requested[0].ClubID)

	bad := &entry.LogEntry{OwnerUserID: "S1", ClubID: "C2", RangeID: "R1", Discipline: "x", LoggedAt: time.Now()}
	assert.ErrorIs(t, f.svc.CreateEntry(t.Context(), bad), attest.ErrInvalidEntry, "range must belong to the club")
}

func TestSignEntry(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "E1")

	signed, err := f.svc.Sign(ctx, "E1", "U1")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusSigned, signed.Status)
	require.NotNil(t, signed.Signature)
	assert.Equal(t, "U1", signed.Signature.SignerUserID)
	assert.Equal(t, f.u1.Serial, signed.Signature.CertificateSerial)
	assert.Regexp(t, `^[0-9a-f]{64}$`, signed.Signature.Digest)

	stored, err := f.svc.Entries().Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusSigned, stored.Status)
	assert.Equal(t, signed.Signature.Digest, stored.Signature.Digest)

	events := f.events.ofType(attest.EventEntrySigned)
	require.Len(t, events, 1)
	assert.Equal(t, "U1", events[0].ActorUserID)
	assert.Equal(t, "S1", events[0].UserID)

	v, err := f.svc.VerifyEntry(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.True(t, v.DigestMatches)
	assert.True(t, v.SignatureValid)
}

func TestSignWithoutCertificate(t *testing.T) {
	f := newFixture(t)
	f.newEntry(t, "E1")

	_, err := f.svc.Sign(t.Context(), "E1", "chief")
	assert.ErrorIs(t, err, attest.ErrNoCertificate)
}

func TestSignPrefersRangeScope(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	rangeCert, err := f.svc.ProvisionSupervisor(ctx, "U1", pki.RangeScope{ClubID: "C1", RangeID: "R1"})
	require.NoError(t, err)
	f.newEntry(t, "E1")

	signed, err := f.svc.Sign(ctx, "E1", "U1")
	require.NoError(t, err)
	assert.Equal(t, rangeCert.Serial, signed.Signature.CertificateSerial)
}

func TestRangeScopeDoesNotCoverOtherRange(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	require.NoError(t, f.directory.PutUser(ctx, &membership.User{ID: "U3", Name: "Range Only", Role: membership.RoleSupervisor}))
	_, err := f.svc.ProvisionSupervisor(ctx, "U3", pki.RangeScope{ClubID: "C1", RangeID: "R2"})
	require.NoError(t, err)
	f.newEntry(t, "E1")

	_, err = f.svc.Sign(ctx, "E1", "U3")
	assert.ErrorIs(t, err, attest.ErrNoCertificate)
}

func TestRevokeThenSignFails(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "E1")
	_, err := f.svc.Sign(ctx, "E1", "U1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	rev, err := f.svc.Revoke(ctx, f.u1.Serial, "admin", "policy violation")
	require.NoError(t, err)
	assert.True(t, rev.Certificate.Revoked)
	assert.Equal(t, "policy violation", rev.Certificate.RevocationReason)

	f.newEntry(t, "E2")
	_, err = f.svc.Sign(ctx, "E2", "U1")
	assert.ErrorIs(t, err, pki.ErrCertificateRevoked)

	e1, err := f.svc.Entries().Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusSigned, e1.Status, "past signatures stand")
	v, err := f.svc.VerifyEntry(ctx, "E1")
	require.NoError(t, err)
	assert.True(t, v.Valid)

	revoked := f.events.ofType(attest.EventCertificateRevoked)
	require.Len(t, revoked, 1)
	assert.Equal(t, "U1", revoked[0].UserID)
	assert.Equal(t, f.u1.Serial, revoked[0].CertificateSerial)
	assert.Equal(t, "policy violation", revoked[0].Reason)
	assert.Equal(t, f.clock.Now(), revoked[0].At)
}

func TestRevokeCascade(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	rev, err := f.svc.Revoke(ctx, f.u1.Serial, "chief", "")
	require.NoError(t, err)
	assert.Equal(t, attest.DefaultRevocationReason, rev.Certificate.RevocationReason)
	assert.True(t, rev.Cascade.MembershipChanged)
	assert.False(t, rev.Cascade.RoleDowngraded(), "U1 still supervises C2")

	m1, err := f.directory.GetMembership(ctx, "U1", "C1")
	require.NoError(t, err)
	assert.False(t, m1.Supervisor)
	m2, err := f.directory.GetMembership(ctx, "U1", "C2")
	require.NoError(t, err)
	assert.True(t, m2.Supervisor, "unrelated clubs are unchanged")

	// U2 supervises only C1 and loses the role.
	u2, err := f.authority.Store().ActiveSupervisor(ctx, "U2", pki.ClubScope{ClubID: "C1"})
	require.NoError(t, err)
	rev, err = f.svc.Revoke(ctx, u2.Serial, "admin", "moved away")
	require.NoError(t, err)
	assert.True(t, rev.Cascade.RoleDowngraded())
	user, err := f.directory.GetUser(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, membership.RoleShooter, user.Role)
}

func TestRevokeRules(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	_, err := f.svc.Revoke(ctx, "nonexistent", "admin", "")
	assert.ErrorIs(t, err, pki.ErrCertificateNotFound)
	for _, requester := range []string{"chief", "S1", "nobody"} {
		_, err = f.svc.Revoke(ctx, "nonexistent", requester, "")
		assert.ErrorIs(t, err, attest.ErrUnauthorized, requester)
	}

	for _, requester := range []string{"admin", "chief", "S1"} {
		_, err = f.svc.Revoke(ctx, f.club.Serial, requester, "n/a")
		assert.ErrorIs(t, err, pki.ErrProtectedCertificate, requester)
		_, err = f.svc.Revoke(ctx, f.root.Serial, requester, "n/a")
		assert.ErrorIs(t, err, pki.ErrProtectedCertificate, requester)
	}

	_, err = f.svc.Revoke(ctx, f.u1.Serial, "S1", "")
	assert.ErrorIs(t, err, attest.ErrUnauthorized)
	_, err = f.svc.Revoke(ctx, f.u1.Serial, "U2", "")
	assert.ErrorIs(t, err, attest.ErrUnauthorized, "supervisors cannot revoke")

	first, err := f.svc.Revoke(ctx, f.u1.Serial, "admin", "once")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.svc.Revoke(ctx, f.u1.Serial, "admin", "twice")
	assert.ErrorIs(t, err, pki.ErrAlreadyRevoked)
	_, err = f.svc.Revoke(ctx, f.u1.Serial, "chief", "twice")
	assert.ErrorIs(t, err, pki.ErrAlreadyRevoked)
	_, err = f.svc.Revoke(ctx, f.u1.Serial, "S1", "twice")
	assert.ErrorIs(t, err, attest.ErrUnauthorized)

	stored, err := f.authority.Store().Get(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.True(t, stored.Revoked)
	assert.Equal(t, *first.Certificate.RevokedAt, *stored.RevokedAt, "one revocation timestamp")
	assert.Equal(t, "once", stored.RevocationReason)
}

func TestReissueAfterRevocation(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	scope := pki.ClubScope{ClubID: "C1"}

	_, err := f.authority.IssueSupervisorCertificate(ctx, "U1", "Erika Muster", scope, "SV Musterstadt")
	assert.ErrorIs(t, err, pki.ErrDuplicateCertificate)

	_, err = f.svc.Revoke(ctx, f.u1.Serial, "admin", "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	require.NoError(t, f.directory.PutMembership(ctx, &membership.Membership{UserID: "U1", ClubID: "C1", Supervisor: true, Active: true}))
	again, err := f.svc.ProvisionSupervisor(ctx, "U1", scope)
	require.NoError(t, err)
	assert.NotEqual(t, f.u1.Serial, again.Serial)

	f.newEntry(t, "E1")
	signed, err := f.svc.Sign(ctx, "E1", "U1")
	require.NoError(t, err)
	assert.Equal(t, again.Serial, signed.Signature.CertificateSerial)
}

func TestRevokedRangeCertificateEndsClubSigning(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	rangeCert, err := f.svc.ProvisionSupervisor(ctx, "U1", pki.RangeScope{ClubID: "C1", RangeID: "R2"})
	require.NoError(t, err)

	_, err = f.svc.Revoke(ctx, rangeCert.Serial, "admin", "")
	require.NoError(t, err)
	live, err := f.authority.Store().Get(ctx, f.u1.Serial)
	require.NoError(t, err)
	require.False(t, live.Revoked, "club-scoped certificate stays live")

	m, err := f.directory.GetMembership(ctx, "U1", "C1")
	require.NoError(t, err)
	assert.False(t, m.Supervisor)

	f.newEntry(t, "E1")
	_, err = f.svc.Sign(ctx, "E1", "U1")
	assert.ErrorIs(t, err, attest.ErrUnauthorized)
	_, err = f.svc.Reject(ctx, "E1", "U1", "no")
	assert.ErrorIs(t, err, attest.ErrUnauthorized)

	e, err := f.svc.Entries().Get(ctx, "E1")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusAwaitingSignature, e.Status)
	assert.Empty(t, f.events.ofType(attest.EventEntrySigned))
}

func TestReject(t *testing.T) {
	f := newFixture(t, attest.WithRejectionPolicy(attest.RejectionPolicy{RequireReason: true}))
	ctx := t.Context()
	f.newEntry(t, "E1")

	_, err := f.svc.Reject(ctx, "E1", "S1", "nope")
	assert.ErrorIs(t, err, attest.ErrUnauthorized)
	_, err = f.svc.Reject(ctx, "E1", "U1", "   ")
	assert.ErrorIs(t, err, attest.ErrReasonRequired)

	rejected, err := f.svc.Reject(ctx, "E1", "chief", "wrong range")
	require.NoError(t, err)
	assert.Equal(t, entry.StatusRejected, rejected.Status)
	assert.Equal(t, "wrong range", rejected.Rejection.Reason)

	events := f.events.ofType(attest.EventEntryRejected)
	require.Len(t, events, 1)
	assert.Equal(t, "wrong range", events[0].Reason)
}

func TestRejectWithoutReasonByDefault(t *testing.T) {
	f := newFixture(t)
	f.newEntry(t, "E1")
	_, err := f.svc.Reject(t.Context(), "E1", "admin", "")
	assert.NoError(t, err)
}

func TestTerminalStatesAreClosed(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "signed")
	f.newEntry(t, "rejected")
	_, err := f.svc.Sign(ctx, "signed", "U1")
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, "rejected", "U2", "")
	require.NoError(t, err)

	for _, id := range []string{"signed", "rejected"} {
		_, err = f.svc.Sign(ctx, id, "U2")
		assert.ErrorIs(t, err, entry.ErrInvalidStateTransition, id)
		_, err = f.svc.Reject(ctx, id, "U2", "late")
		assert.ErrorIs(t, err, entry.ErrInvalidStateTransition, id)
		err = f.svc.DeleteEntry(ctx, id, "S1")
		assert.ErrorIs(t, err, entry.ErrInvalidStateTransition, id)
	}
}

func TestDeleteEntry(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "E1")

	assert.ErrorIs(t, f.svc.DeleteEntry(ctx, "E1", "U1"), attest.ErrUnauthorized)
	require.NoError(t, f.svc.DeleteEntry(ctx, "E1", "S1"))
	_, err := f.svc.Entries().Get(ctx, "E1")
	assert.ErrorIs(t, err, entry.ErrNotFound)
}

func TestConcurrentSignHasOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "E3")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, signer := range []string{"U1", "U2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.Sign(ctx, "E3", signer)
		}()
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, entry.ErrInvalidStateTransition)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.events.ofType(attest.EventEntrySigned), 1)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	res, err := f.svc.Verify(ctx, "nonexistent-serial")
	require.NoError(t, err)
	assert.Equal(t, attest.StatusNotFound, res.Status)
	assert.Nil(t, res.Certificate)

	res, err = f.svc.Verify(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.Equal(t, attest.StatusValid, res.Status)
	require.NotNil(t, res.Certificate)
	assert.Equal(t, pki.TypeSupervisor, res.Certificate.Type)
	assert.Equal(t, "Erika Muster", res.Certificate.OwnerName)
	assert.Equal(t, "SV Musterstadt", res.Certificate.ClubName)
	assert.Len(t, res.Certificate.FingerprintSHA256, 64)
	assert.Equal(t, "ECDSA P-256", res.Certificate.KeyAlgorithm)

	_, err = f.svc.Revoke(ctx, f.u1.Serial, "admin", "gone")
	require.NoError(t, err)
	res, err = f.svc.Verify(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.Equal(t, attest.StatusRevoked, res.Status)
	assert.Equal(t, "gone", res.Certificate.RevocationReason)
	assert.NotNil(t, res.Certificate.RevokedAt)
}

func TestVerifyExpired(t *testing.T) {
	f := newFixture(t)
	require.NotNil(t, f.u1.ExpiresAt)
	f.clock.Advance(f.u1.ExpiresAt.Sub(f.clock.Now()))

	res, err := f.svc.Verify(t.Context(), f.u1.Serial)
	require.NoError(t, err)
	assert.Equal(t, attest.StatusExpired, res.Status)
}

func TestVerifyChain(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	report, err := f.svc.VerifyChain(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	require.Len(t, report.Links, 3)
	assert.Equal(t, pki.TypeRoot, report.Links[2].Type)

	_, err = f.svc.Revoke(ctx, f.u1.Serial, "admin", "")
	require.NoError(t, err)
	report, err = f.svc.VerifyChain(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, f.u1.Serial, report.FailedSerial)

	_, err = f.svc.VerifyChain(ctx, "missing")
	assert.ErrorIs(t, err, pki.ErrCertificateNotFound)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()

	body, err := f.svc.ExportCertificate(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.Contains(t, body, "-----BEGIN CERTIFICATE-----")
	assert.NotContains(t, body, "PRIVATE KEY")

	chain, err := f.svc.ExportChain(ctx, f.u1.Serial)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(chain, "-----BEGIN CERTIFICATE-----"))

	_, err = f.svc.ExportCertificate(ctx, "missing")
	assert.ErrorIs(t, err, pki.ErrCertificateNotFound)
}

func TestVerifyEntryDetectsTampering(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	f.newEntry(t, "E1")
	signed, err := f.svc.Sign(ctx, "E1", "U1")
	require.NoError(t, err)

	// Simulate a direct database edit behind the service's back.
	signed.Result = "400"
	require.NoError(t, f.svc.Entries().Update(ctx, signed))

	v, err := f.svc.VerifyEntry(ctx, "E1")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.False(t, v.DigestMatches)

	f.newEntry(t, "E2")
	v, err = f.svc.VerifyEntry(ctx, "E2")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Problem)
}
