package escrow

import (
	"strconv"
)

// Event types emitted over the deal lifecycle. The interaction adapter
// renders these into user-visible messages; payloads are flat string
// attribute maps so they survive any transport unchanged.
const (
	EventTypeTicketCreated     = "deal.created"
	EventTypeSecondPartyNeeded = "deal.second_party_needed"
	EventTypeRolePrompt        = "deal.role_prompt"
	EventTypeRoleConfirmed     = "deal.role_confirmed"
	EventTypeRolesConflict     = "deal.roles_conflict"
	EventTypeAddressIssued     = "deal.address_issued"
	EventTypeFundsDetected     = "deal.funds_detected"
	EventTypeFundsConfirmed    = "deal.funds_confirmed"
	EventTypeReleaseSucceeded  = "deal.release_succeeded"
	EventTypeReleaseFailed     = "deal.release_failed"
	EventTypeCancelled         = "deal.cancelled"
	EventTypeError             = "deal.error"
)

// Event is the canonical lifecycle notification payload.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Emitter receives lifecycle events from the orchestrator.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

func (NoopEmitter) Emit(Event) {}

// newDealEvent builds the canonical payload for a deal. The custodial key is
// deliberately absent: event payloads are participant-visible.
func newDealEvent(eventType string, d *Deal) Event {
	attrs := make(map[string]string)
	if d == nil {
		return Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = d.ID
	attrs["state"] = d.State.String()
	if len(d.Participants) > 0 {
		attrs["initiator"] = d.Participants[0]
	}
	if len(d.Participants) > 1 {
		attrs["secondParty"] = d.Participants[1]
	}
	if d.Sender != "" {
		attrs["sender"] = d.Sender
	}
	if d.Receiver != "" {
		attrs["receiver"] = d.Receiver
	}
	if d.DepositAddress != "" {
		attrs["depositAddress"] = d.DepositAddress
	}
	if d.AmountReceived > 0 {
		attrs["amountReceived"] = d.AmountReceived.String()
	}
	if d.TxID != "" {
		attrs["txid"] = d.TxID
	}
	attrs["createdAt"] = strconv.FormatInt(d.CreatedAt, 10)
	if d.ClosedAt != 0 {
		attrs["closedAt"] = strconv.FormatInt(d.ClosedAt, 10)
	}
	return Event{Type: eventType, Attributes: attrs}
}

func withAttr(evt Event, key, value string) Event {
	if value != "" {
		evt.Attributes[key] = value
	}
	return evt
}
