package entry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEntry() *LogEntry {
	return &LogEntry{
		ID:          "e1",
		OwnerUserID: "shooter-1",
		ClubID:      "club-1",
		RangeID:     "range-1",
		LoggedAt:    time.Date(2026, 5, 2, 14, 30, 0, 0, time.UTC),
		Discipline:  "Luftgewehr",
		Caliber:     "4,5 mm",
		WeaponType:  "Luftgewehr",
		ShotCount:   40,
		Result:      "372",
		Status:      StatusAwaitingSignature,
	}
}

func TestLifecycleTransitions(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		from    Status
		op      func(e *LogEntry) error
		want    Status
		wantErr bool
	}{
		{"open to signed", StatusOpen, func(e *LogEntry) error { return e.Sign(Signature{SignedAt: now}) }, StatusSigned, false},
		{"awaiting to signed", StatusAwaitingSignature, func(e *LogEntry) error { return e.Sign(Signature{SignedAt: now}) }, StatusSigned, false},
		{"awaiting to rejected", StatusAwaitingSignature, func(e *LogEntry) error { return e.Reject(Rejection{At: now}) }, StatusRejected, false},
		{"signed is terminal for sign", StatusSigned, func(e *LogEntry) error { return e.Sign(Signature{}) }, StatusSigned, true},
		{"signed is terminal for reject", StatusSigned, func(e *LogEntry) error { return e.Reject(Rejection{}) }, StatusSigned, true},
		{"rejected is terminal for sign", StatusRejected, func(e *LogEntry) error { return e.Sign(Signature{}) }, StatusRejected, true},
		{"rejected is terminal for delete", StatusRejected, (*LogEntry).CheckDeletable, StatusRejected, true},
		{"awaiting is deletable", StatusAwaitingSignature, (*LogEntry).CheckDeletable, StatusAwaitingSignature, false},
		{"unknown status", Status("archived"), (*LogEntry).CheckDeletable, Status("archived"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEntry()
			e.Status = tt.from
			err := tt.op(e)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidStateTransition)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, e.Status)
		})
	}
}

func TestSignSetsOnlySignature(t *testing.T) {
	e := newEntry()
	require.NoError(t, e.Sign(Signature{SignerUserID: "sup-1"}))
	require.NotNil(t, e.Signature)
	assert.Nil(t, e.Rejection)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, newEntry().Validate())

	e := newEntry()
	e.RangeID = ""
	assert.Error(t, e.Validate())

	e = newEntry()
	e.ShotCount = -1
	assert.Error(t, e.Validate())
}

func TestDigestIsDeterministic(t *testing.T) {
	e := newEntry()
	at := time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC)

	d1 := DigestHex(e, "sup-1", at)
	d2 := DigestHex(e, "sup-1", at.In(time.FixedZone("CEST", 2*3600)))
	assert.Equal(t, d1, d2, "time zone must not matter")
	assert.Len(t, d1, 64)

	assert.NotEqual(t, d1, DigestHex(e, "sup-2", at))
	assert.NotEqual(t, d1, DigestHex(e, "sup-1", at.Add(time.Nanosecond)))

	changed := newEntry()
	changed.Result = "373"
	assert.NotEqual(t, d1, DigestHex(changed, "sup-1", at))
}

func TestDigestNormalizesUnicode(t *testing.T) {
	at := time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC)
	composed := newEntry()
	composed.Discipline = "Sportpistole M\u00fcnchen"
	decomposed := newEntry()
	decomposed.Discipline = "Sportpistole Mu\u0308nchen"
	assert.Equal(t, DigestHex(composed, "s", at), DigestHex(decomposed, "s", at))
}

func TestCanonicalFormEscapesSeparators(t *testing.T) {
	at := time.Date(2026, 5, 2, 15, 0, 0, 0, time.UTC)
	a := newEntry()
	a.Caliber = "9mm|weapon_type:x"
	a.WeaponType = ""
	b := newEntry()
	b.Caliber = "9mm"
	b.WeaponType = "x"
	assert.NotEqual(t, CanonicalForm(a, "s", at), CanonicalForm(b, "s", at))
	assert.Contains(t, CanonicalForm(a, "s", at), `caliber:9mm\|weapon_type:x`)
}
