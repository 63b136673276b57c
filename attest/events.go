package attest

import (
	"context"
	"time"
)

// EventType names a domain event.
type EventType string

const (
	EventSignatureRequested EventType = "entry.signature_requested"
	EventEntrySigned        EventType = "entry.signed"
	EventEntryRejected      EventType = "entry.rejected"
	EventCertificateRevoked EventType = "certificate.revoked"
)

// Event is published after the owning transaction committed.
type Event struct {
	Type              EventType `json:"type"`
	At                time.Time `json:"at"`
	UserID            string    `json:"user_id,omitempty"`
	ActorUserID       string    `json:"actor_user_id,omitempty"`
	EntryID           string    `json:"entry_id,omitempty"`
	ClubID            string    `json:"club_id,omitempty"`
	CertificateSerial string    `json:"certificate_serial,omitempty"`
	Reason            string    `json:"reason,omitempty"`
}

// Publisher delivers events. Publish must not block on delivery and must
// not report delivery failures to the caller.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) { f(ctx, ev) }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}
