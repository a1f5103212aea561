package escrow

import "testing"

func TestStateTransitions(t *testing.T) {
	// Forward-only along the happy path.
	forward := []DealState{
		DealCreated,
		DealAwaitingSecondParty,
		DealNegotiatingRoles,
		DealAwaitingPayment,
		DealAwaitingConfirmation,
		DealReadyToRelease,
		DealReleased,
	}
	for i := 0; i < len(forward)-1; i++ {
		if !forward[i].canTransitionTo(forward[i+1]) {
			t.Errorf("%s -> %s should be allowed", forward[i], forward[i+1])
		}
		if forward[i+1].canTransitionTo(forward[i]) {
			t.Errorf("%s -> %s should be rejected", forward[i+1], forward[i])
		}
	}

	// Skipping forward is allowed; the engine's own guards narrow it.
	if !DealCreated.canTransitionTo(DealNegotiatingRoles) {
		t.Error("skip ahead should be allowed by ordering")
	}

	// Cancellation and failure from any non-terminal state.
	for _, s := range forward[:len(forward)-1] {
		if !s.canTransitionTo(DealCancelled) {
			t.Errorf("%s -> cancelled should be allowed", s)
		}
		if !s.canTransitionTo(DealFailed) {
			t.Errorf("%s -> failed should be allowed", s)
		}
	}

	// Terminal states admit nothing.
	for _, terminal := range []DealState{DealReleased, DealCancelled, DealFailed} {
		for next := DealCreated; next <= DealFailed; next++ {
			if terminal.canTransitionTo(next) {
				t.Errorf("%s -> %s should be rejected", terminal, next)
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	deal := &Deal{
		ID:           "d1",
		Participants: []string{"alice", "bob"},
		Pending: map[string]*RoleSelection{
			"alice": {Role: RoleSender},
		},
	}
	clone := deal.Clone()
	clone.Participants[0] = "mallory"
	clone.Pending["alice"].Confirmed = true

	if deal.Participants[0] != "alice" {
		t.Error("participants not deep-copied")
	}
	if deal.Pending["alice"].Confirmed {
		t.Error("pending selections not deep-copied")
	}
}

func TestSanitizeDeal(t *testing.T) {
	valid := &Deal{ID: "d1", State: DealAwaitingPayment, Participants: []string{"a", "b"}, Sender: "a", Receiver: "b"}
	if _, err := SanitizeDeal(valid); err != nil {
		t.Fatalf("valid deal rejected: %v", err)
	}
	bad := []*Deal{
		nil,
		{ID: " "},
		{ID: "d1", State: DealState(99)},
		{ID: "d1", Participants: []string{"a", "b", "c"}},
		{ID: "d1", AmountReceived: -1},
		{ID: "d1", Sender: "a", Receiver: "a"},
	}
	for i, deal := range bad {
		if _, err := SanitizeDeal(deal); err == nil {
			t.Errorf("case %d: invalid deal accepted", i)
		}
	}
}

func TestParseRole(t *testing.T) {
	if role, err := ParseRole(" Sender "); err != nil || role != RoleSender {
		t.Fatalf("ParseRole(Sender) = %v, %v", role, err)
	}
	if role, err := ParseRole("RECEIVER"); err != nil || role != RoleReceiver {
		t.Fatalf("ParseRole(RECEIVER) = %v, %v", role, err)
	}
	if _, err := ParseRole("banker"); err == nil {
		t.Fatal("ParseRole(banker) should fail")
	}
}
