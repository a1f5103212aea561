package escrow

import (
	"fmt"
)

// Negotiator runs the short-lived role handshake for a deal: each of the two
// registered participants selects sender or receiver and then confirms the
// selection. The working state lives inside the deal record itself, so a
// restart mid-negotiation resumes from the persisted selections rather than
// losing the round.
type Negotiator struct {
	store *DealStore
}

// NewNegotiator binds the negotiator to the deal store.
func NewNegotiator(store *DealStore) *Negotiator {
	return &Negotiator{store: store}
}

func ensureNegotiating(d *Deal, participantID string) error {
	if d.State != DealNegotiatingRoles {
		return fmt.Errorf("%w: %s", ErrInvalidState, d.State)
	}
	if !d.HasParticipant(participantID) {
		return fmt.Errorf("%w: %s", ErrUnknownParticipant, participantID)
	}
	if d.Pending == nil {
		return fmt.Errorf("%w: negotiation not initialised", ErrInvalidState)
	}
	return nil
}

// SelectRole records a participant's role choice and clears any prior
// confirmation for that participant.
func (n *Negotiator) SelectRole(id, participantID string, role Role) (*Deal, error) {
	if role != RoleSender && role != RoleReceiver {
		return nil, fmt.Errorf("%w: role must be sender or receiver", ErrRoleNotSelected)
	}
	return n.store.Update(id, func(d *Deal) error {
		if err := ensureNegotiating(d, participantID); err != nil {
			return err
		}
		d.Pending[participantID] = &RoleSelection{Role: role}
		return nil
	})
}

// Confirm marks a participant's selected role as confirmed.
func (n *Negotiator) Confirm(id, participantID string) (*Deal, error) {
	return n.store.Update(id, func(d *Deal) error {
		if err := ensureNegotiating(d, participantID); err != nil {
			return err
		}
		sel := d.Pending[participantID]
		if sel == nil || sel.Role == RoleUnassigned {
			return ErrRoleNotSelected
		}
		sel.Confirmed = true
		return nil
	})
}

// TryComplete resolves the handshake once both participants have confirmed.
// It returns nil with no error while confirmations are outstanding (or when
// a completed round was already consumed). When both confirmed roles are
// identical the round fails with ErrRoleConflict and both selections are
// cleared so the participants re-select; the deal itself is unaffected.
// On success the sender/receiver assignment is written into the record and
// the working state discarded: the negotiator is one-shot per deal.
func (n *Negotiator) TryComplete(id string) (*RoleAssignment, error) {
	var (
		assignment *RoleAssignment
		conflict   bool
	)
	_, err := n.store.Update(id, func(d *Deal) error {
		if d.State != DealNegotiatingRoles || len(d.Pending) != 2 {
			return nil
		}
		var sender, receiver string
		for participantID, sel := range d.Pending {
			if sel == nil || !sel.Confirmed {
				return nil
			}
			switch sel.Role {
			case RoleSender:
				sender = participantID
			case RoleReceiver:
				receiver = participantID
			}
		}
		if sender == "" || receiver == "" {
			// Both picked the same side. Reset the round; the error is
			// reported after the cleared state is persisted.
			conflict = true
			for participantID := range d.Pending {
				d.Pending[participantID] = &RoleSelection{}
			}
			return nil
		}
		d.Sender = sender
		d.Receiver = receiver
		d.Pending = nil
		assignment = &RoleAssignment{Sender: sender, Receiver: receiver}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, ErrRoleConflict
	}
	return assignment, nil
}
