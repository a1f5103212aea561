package escrow

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil"
)

// DealState represents the lifecycle states of a mediated deal. The zero
// value is DealCreated; the declaration order is the forward ordering of the
// state machine, with the two terminal failure states at the end.
type DealState uint8

const (
	DealCreated DealState = iota
	DealAwaitingSecondParty
	DealNegotiatingRoles
	DealAwaitingPayment
	DealAwaitingConfirmation
	DealReadyToRelease
	DealReleased
	DealCancelled
	DealFailed
)

var dealStateNames = map[DealState]string{
	DealCreated:              "created",
	DealAwaitingSecondParty:  "awaiting_second_party",
	DealNegotiatingRoles:     "negotiating_roles",
	DealAwaitingPayment:      "awaiting_payment",
	DealAwaitingConfirmation: "awaiting_confirmation",
	DealReadyToRelease:       "ready_to_release",
	DealReleased:             "released",
	DealCancelled:            "cancelled",
	DealFailed:               "failed",
}

func (s DealState) String() string {
	if name, ok := dealStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Valid reports whether the status value is within the supported range.
func (s DealState) Valid() bool {
	_, ok := dealStateNames[s]
	return ok
}

// Terminal reports whether the state admits no further transitions.
func (s DealState) Terminal() bool {
	return s == DealReleased || s == DealCancelled || s == DealFailed
}

// canTransitionTo enforces the monotonic ordering of the lifecycle:
// forward-only along the happy path, with CANCELLED and FAILED reachable
// from any non-terminal state.
func (s DealState) canTransitionTo(next DealState) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == DealCancelled || next == DealFailed {
		return true
	}
	return next > s && next < DealCancelled
}

// Role identifies a participant's side of the deal.
type Role uint8

const (
	RoleUnassigned Role = iota
	RoleSender
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	default:
		return "unassigned"
	}
}

// ParseRole resolves a caller-supplied role name to its canonical value.
func ParseRole(raw string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sender":
		return RoleSender, nil
	case "receiver":
		return RoleReceiver, nil
	default:
		return RoleUnassigned, fmt.Errorf("unsupported role: %q", raw)
	}
}

// RoleSelection tracks one participant's negotiation progress. Selecting a
// new role always clears the confirmation.
type RoleSelection struct {
	Role      Role `json:"role"`
	Confirmed bool `json:"confirmed"`
}

// RoleAssignment is the outcome of a completed negotiation round.
type RoleAssignment struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
}

// Deal captures the full persisted record of one mediated transaction. The
// record is written whole on every mutation; readers never observe partial
// field updates. CustodialKey is sensitive and must never reach logs or
// event payloads.
type Deal struct {
	ID                 string                    `json:"id"`
	State              DealState                 `json:"state"`
	Participants       []string                  `json:"participants"`
	Sender             string                    `json:"sender,omitempty"`
	Receiver           string                    `json:"receiver,omitempty"`
	Pending            map[string]*RoleSelection `json:"pendingRoles,omitempty"`
	DepositAddress     string                    `json:"depositAddress,omitempty"`
	CustodialKey       string                    `json:"custodialKey,omitempty"`
	AmountReceived     btcutil.Amount            `json:"amountReceived"`
	DestinationAddress string                    `json:"destinationAddress,omitempty"`
	TxID               string                    `json:"txid,omitempty"`
	CreatedAt          int64                     `json:"createdAt"`
	ClosedAt           int64                     `json:"closedAt,omitempty"`
}

// Clone returns a deep copy of the deal so callers can safely mutate the
// copy without affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Participants = append([]string(nil), d.Participants...)
	if d.Pending != nil {
		clone.Pending = make(map[string]*RoleSelection, len(d.Pending))
		for id, sel := range d.Pending {
			if sel == nil {
				continue
			}
			copied := *sel
			clone.Pending[id] = &copied
		}
	}
	return &clone
}

// HasParticipant reports whether the identifier belongs to the deal.
func (d *Deal) HasParticipant(id string) bool {
	if d == nil {
		return false
	}
	for _, p := range d.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// SanitizeDeal validates structural invariants of a deal record before it is
// persisted or acted upon.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	if strings.TrimSpace(clone.ID) == "" {
		return nil, fmt.Errorf("deal id must not be empty")
	}
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid deal state: %d", clone.State)
	}
	if len(clone.Participants) > 2 {
		return nil, fmt.Errorf("deal cannot have more than two participants")
	}
	if clone.AmountReceived < 0 {
		return nil, fmt.Errorf("deal amount must be non-negative")
	}
	if clone.Sender != "" && clone.Sender == clone.Receiver {
		return nil, fmt.Errorf("sender and receiver must differ")
	}
	return clone, nil
}
