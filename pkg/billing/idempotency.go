package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// EventIDTier identifies which derivation produced an idempotency key.
type EventIDTier int

const (
	// EventIDTierNative used the event's own provider-assigned ID
	EventIDTierNative EventIDTier = iota + 1

	// EventIDTierPayload combined the payload's id and updated timestamp
	EventIDTierPayload

	// EventIDTierTimestamped combined the payload id with the current time.
	// This key is intentionally non-deterministic and will not dedupe a true
	// retry; an accepted gap, not a bug to silently mask.
	EventIDTierTimestamped

	// EventIDTierHashed hashed a truncated payload representation
	EventIDTierHashed
)

func (t EventIDTier) String() string {
	switch t {
	case EventIDTierNative:
		return "native"
	case EventIDTierPayload:
		return "payload"
	case EventIDTierTimestamped:
		return "timestamped"
	case EventIDTierHashed:
		return "hashed"
	default:
		return "none"
	}
}

// EventIDResolution is the tagged result of an idempotency-key derivation.
type EventIDResolution struct {
	ID   string
	Tier EventIDTier

	// Degraded marks keys that cannot dedupe a true redelivery
	Degraded bool
}

// hashedPayloadCap bounds the representation fed to the last-resort hash so
// oversized payloads cannot dominate the key derivation.
const hashedPayloadCap = 512

// ResolveEventID derives a deterministic completion marker for an event.
// Priority: the event's own id; then prefix+payload.id+payload.updated; then
// prefix+payload.id+current epoch micros (degraded); finally a hash of a
// truncated payload representation.
func ResolveEventID(event *Event, prefix string, now time.Time) EventIDResolution {
	if event.ID != "" {
		return EventIDResolution{ID: event.ID, Tier: EventIDTierNative}
	}

	payloadID := ""
	var updated int64
	if event.Object != nil {
		payloadID = PayloadString(event.Object, "id")
		updated = PayloadInt64(event.Object, "updated")
	}

	if payloadID != "" && updated > 0 {
		return EventIDResolution{
			ID:   fmt.Sprintf("%s_%s_%d", prefix, payloadID, updated),
			Tier: EventIDTierPayload,
		}
	}

	if payloadID != "" {
		return EventIDResolution{
			ID:       fmt.Sprintf("%s_%s_%d", prefix, payloadID, now.UnixMicro()),
			Tier:     EventIDTierTimestamped,
			Degraded: true,
		}
	}

	repr := fmt.Sprintf("%s|%s|%v", prefix, event.Type, event.Object)
	if len(repr) > hashedPayloadCap {
		repr = repr[:hashedPayloadCap]
	}
	sum := sha256.Sum256([]byte(repr))
	return EventIDResolution{
		ID:       prefix + "_" + hex.EncodeToString(sum[:16]),
		Tier:     EventIDTierHashed,
		Degraded: true,
	}
}

// AlreadyProcessed reports whether the record's idempotency marker matches
// eventID. Checked once optimistically before the transaction and once again
// after acquiring the tenant lock; only the post-lock check is authoritative.
func AlreadyProcessed(rec *BillingRecord, eventID string) bool {
	return rec != nil && eventID != "" && rec.LastProcessedEventID == eventID
}
