package entry

import (
	"crypto/sha256"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/rangebook/internal/util"
)

// CanonicalForm returns the deterministic serialization of e as attested
// by signerUserID at signedAt. Fields are emitted in a fixed order as
// key:value pairs joined by '|'; text is NFC-normalized and '|' or '\'
// inside values are backslash-escaped.
func CanonicalForm(e *LogEntry, signerUserID string, signedAt time.Time) string {
	fields := []struct{ k, v string }{
		{"id", e.ID},
		{"owner", e.OwnerUserID},
		{"club", e.ClubID},
		{"range", e.RangeID},
		{"logged_at", e.LoggedAt.UTC().Format(time.RFC3339Nano)},
		{"discipline", e.Discipline},
		{"caliber", e.Caliber},
		{"weapon_type", e.WeaponType},
		{"shot_count", strconv.Itoa(e.ShotCount)},
		{"result", e.Result},
		{"signer", signerUserID},
		{"signed_at", signedAt.UTC().Format(time.RFC3339Nano)},
	}
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte('|')
		}
		sb.WriteString(f.k)
		sb.WriteByte(':')
		sb.WriteString(escape(util.Normalize(f.v)))
	}
	return sb.String()
}

// Digest returns the SHA-256 of CanonicalForm.
func Digest(e *LogEntry, signerUserID string, signedAt time.Time) []byte {
	sum := sha256.Sum256([]byte(CanonicalForm(e, signerUserID, signedAt)))
	return sum[:]
}

// DigestHex returns Digest as lowercase hex.
func DigestHex(e *LogEntry, signerUserID string, signedAt time.Time) string {
	return util.HexEncode(Digest(e, signerUserID, signedAt))
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)

func escape(s string) string {
	return escaper.Replace(s)
}
