package escrow

import "errors"

// Failure taxonomy surfaced by the orchestrator and negotiator. Callers
// match with errors.Is; the adapter maps each class to a user-facing
// message distinguishing retry-later, act-required and deal-over outcomes.
var (
	// ErrDealNotFound is returned when no record exists for the identifier.
	ErrDealNotFound = errors.New("escrow: deal not found")

	// ErrAllocation indicates the deal record could not be persisted at
	// creation time.
	ErrAllocation = errors.New("escrow: could not allocate deal record")

	// ErrInvalidParticipant rejects a second party that is missing, already
	// registered, or identical to the initiator.
	ErrInvalidParticipant = errors.New("escrow: invalid participant")

	// ErrUnknownParticipant rejects negotiation actions from identities not
	// registered on the deal.
	ErrUnknownParticipant = errors.New("escrow: unknown participant")

	// ErrRoleNotSelected rejects a confirmation before a role was chosen.
	ErrRoleNotSelected = errors.New("escrow: role not selected")

	// ErrRoleConflict reports that both participants confirmed the same
	// role. The negotiation round is reset; the deal itself survives.
	ErrRoleConflict = errors.New("escrow: both participants selected the same role")

	// ErrInvalidState rejects an operation not permitted in the deal's
	// current lifecycle state.
	ErrInvalidState = errors.New("escrow: operation not valid in current state")

	// ErrInvalidDestination rejects a payout address outside the accepted
	// address classes before any gateway call is attempted.
	ErrInvalidDestination = errors.New("escrow: destination address not recognized")

	// ErrNoFundsAvailable is returned by Release when the deposit address
	// holds no spendable outputs.
	ErrNoFundsAvailable = errors.New("escrow: no spendable funds at deposit address")

	// ErrTimeoutExpired reports an expired bounded wait, such as the window
	// for the second participant to join.
	ErrTimeoutExpired = errors.New("escrow: wait timed out")
)
