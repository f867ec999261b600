package billing

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the read-only view of a provider event object. Provider payloads
// are dynamic (fields come and go across API versions), so the reconciler
// reads them through this capability instead of scattering type assertions.
type Payload interface {
	// Get returns the raw value for a top-level field, if present.
	Get(field string) (interface{}, bool)
}

// MapPayload implements Payload over a decoded JSON object.
type MapPayload map[string]interface{}

func (m MapPayload) Get(field string) (interface{}, bool) {
	v, ok := m[field]
	return v, ok
}

// ParsePayload decodes a raw JSON object into a MapPayload.
func ParsePayload(raw []byte) (MapPayload, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return MapPayload(m), nil
}

// Event is a provider-delivered state-change notification.
type Event struct {
	// ID is the provider's event identifier, empty when the provider omitted it
	ID string

	// Type is the provider event type, e.g. "customer.subscription.updated".
	// Unknown types are acknowledged and ignored, never rejected.
	Type string

	// Object is the event's data object
	Object Payload

	// Created is the provider-reported event time
	Created time.Time
}

// PayloadString reads a string field.
func PayloadString(p Payload, field string) string {
	v, ok := p.Get(field)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// PayloadInt64 reads a numeric field. JSON numbers decode as float64;
// integer-typed values are accepted too for hand-built payloads.
func PayloadInt64(p Payload, field string) int64 {
	v, ok := p.Get(field)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}

// PayloadBool reads a boolean field.
func PayloadBool(p Payload, field string) bool {
	v, ok := p.Get(field)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// PayloadStringMap reads a map[string]string field such as object metadata.
func PayloadStringMap(p Payload, field string) map[string]string {
	v, ok := p.Get(field)
	if !ok {
		return nil
	}
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]interface{}:
		out := make(map[string]string, len(m))
		for k, mv := range m {
			if s, ok := mv.(string); ok {
				out[k] = s
			}
		}
		return out
	default:
		return nil
	}
}

// payloadObjectID reads a field that providers deliver either as a bare ID
// string or as an expanded object with an "id" field.
func payloadObjectID(p Payload, field string) string {
	v, ok := p.Get(field)
	if !ok {
		return ""
	}
	switch o := v.(type) {
	case string:
		return o
	case map[string]interface{}:
		id, _ := o["id"].(string)
		return id
	default:
		return ""
	}
}

// SubscriptionFromPayload adapts a subscription-shaped payload into a typed
// snapshot. This is the single place the subscription payload shape is known.
func SubscriptionFromPayload(p Payload) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 PayloadString(p, "id"),
		CustomerID:         payloadObjectID(p, "customer"),
		Status:             PayloadString(p, "status"),
		CancelAt:           PayloadInt64(p, "cancel_at"),
		CancelAtPeriodEnd:  PayloadBool(p, "cancel_at_period_end"),
		CurrentPeriodEnd:   PayloadInt64(p, "current_period_end"),
		BillingCycleAnchor: PayloadInt64(p, "billing_cycle_anchor"),
		Created:            PayloadInt64(p, "created"),
		TrialEnd:           PayloadInt64(p, "trial_end"),
		Metadata:           PayloadStringMap(p, "metadata"),
	}

	if items, ok := p.Get("items"); ok {
		if obj, ok := items.(map[string]interface{}); ok {
			if data, ok := obj["data"].([]interface{}); ok {
				for _, raw := range data {
					item, ok := raw.(map[string]interface{})
					if !ok {
						continue
					}
					var si SubscriptionItem
					if price, ok := item["price"].(map[string]interface{}); ok {
						si.PriceID, _ = price["id"].(string)
						if rec, ok := price["recurring"].(map[string]interface{}); ok {
							si.Interval, _ = rec["interval"].(string)
							if n, ok := rec["interval_count"].(float64); ok {
								si.IntervalCount = int64(n)
							}
						}
					}
					snap.Items = append(snap.Items, si)
				}
			}
		}
	}

	if inv, ok := p.Get("latest_invoice"); ok {
		if obj, ok := inv.(map[string]interface{}); ok {
			li := &InvoiceSnapshot{}
			li.ID, _ = obj["id"].(string)
			if n, ok := obj["period_end"].(float64); ok {
				li.PeriodEnd = int64(n)
			}
			snap.LatestInvoice = li
		}
	}

	return snap
}

// InvoiceFromPayload adapts an invoice-shaped payload into a typed snapshot.
func InvoiceFromPayload(p Payload) *InvoiceSnapshot {
	return &InvoiceSnapshot{
		ID:             PayloadString(p, "id"),
		SubscriptionID: payloadObjectID(p, "subscription"),
		CustomerID:     payloadObjectID(p, "customer"),
		AmountPaid:     PayloadInt64(p, "amount_paid"),
		Currency:       PayloadString(p, "currency"),
		PeriodEnd:      PayloadInt64(p, "period_end"),
	}
}

// CheckoutSessionFromPayload adapts a checkout-session payload.
func CheckoutSessionFromPayload(p Payload) *CheckoutSession {
	return &CheckoutSession{
		ID:             PayloadString(p, "id"),
		SubscriptionID: payloadObjectID(p, "subscription"),
		CustomerID:     payloadObjectID(p, "customer"),
		Metadata:       PayloadStringMap(p, "metadata"),
	}
}

// PriceFromPayload adapts a price-shaped payload.
func PriceFromPayload(p Payload) *PriceSnapshot {
	snap := &PriceSnapshot{
		ID:         PayloadString(p, "id"),
		ProductID:  payloadObjectID(p, "product"),
		UnitAmount: PayloadInt64(p, "unit_amount"),
		Currency:   PayloadString(p, "currency"),
		Active:     PayloadBool(p, "active"),
	}
	if rec, ok := p.Get("recurring"); ok {
		if obj, ok := rec.(map[string]interface{}); ok {
			snap.Interval, _ = obj["interval"].(string)
		}
	}
	return snap
}
