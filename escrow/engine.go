package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/google/uuid"

	"automiddleman/observability"
	"automiddleman/wallet"
)

// Engine is the transaction orchestrator: it owns the lifecycle of every
// deal from ticket creation through role negotiation, payment monitoring
// and release. All state lives in the deal store; the engine holds no
// per-deal memory, so a restarted daemon picks up mid-flight deals exactly
// where the last persisted transition left them.
//
// Every state-advancing operation for a deal runs under that deal's store
// lock, so concurrent events (a poll racing a cancel, two near-simultaneous
// confirmations) serialize per deal while distinct deals proceed in
// parallel.
type Engine struct {
	store      *DealStore
	stats      *StatsAggregator
	gateway    wallet.Gateway
	negotiator *Negotiator
	emitter    Emitter
	log        *slog.Logger
	feeRate    btcutil.Amount
	nowFn      func() int64
	idFn       func() string
}

// NewEngine wires the orchestrator with its store, stats sink and value
// gateway. Events are discarded until SetEmitter is called.
func NewEngine(store *DealStore, stats *StatsAggregator, gateway wallet.Gateway) *Engine {
	return &Engine{
		store:      store,
		stats:      stats,
		gateway:    gateway,
		negotiator: NewNegotiator(store),
		emitter:    NoopEmitter{},
		log:        slog.Default(),
		feeRate:    wallet.DefaultFeeRatePerKB,
		nowFn:      func() int64 { return time.Now().Unix() },
		idFn:       uuid.NewString,
	}
}

// SetEmitter configures the lifecycle event emitter. Passing nil resets the
// emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		e.emitter = NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetLogger overrides the engine logger.
func (e *Engine) SetLogger(log *slog.Logger) {
	if log != nil {
		e.log = log
	}
}

// SetFeeRate overrides the per-KB fee rate applied to releases.
func (e *Engine) SetFeeRate(rate btcutil.Amount) {
	if rate > 0 {
		e.feeRate = rate
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetIDFunc overrides deal identifier allocation. Primarily intended for
// tests needing deterministic ids.
func (e *Engine) SetIDFunc(idFn func() string) {
	if idFn != nil {
		e.idFn = idFn
	}
}

func (e *Engine) emit(evt Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	return e.nowFn()
}

func transition(d *Deal, next DealState) error {
	if !d.State.canTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, d.State, next)
	}
	d.State = next
	return nil
}

// Deal returns a copy of the stored record.
func (e *Engine) Deal(id string) (*Deal, error) {
	deal, err := e.store.Get(id)
	if err != nil {
		return nil, err
	}
	return deal.Clone(), nil
}

// Create opens a new deal ticket for the initiator and persists it
// immediately.
func (e *Engine) Create(ctx context.Context, initiatorID string) (*Deal, error) {
	if initiatorID == "" {
		return nil, fmt.Errorf("%w: initiator must not be empty", ErrInvalidParticipant)
	}
	deal := &Deal{
		ID:           e.idFn(),
		State:        DealCreated,
		Participants: []string{initiatorID},
		CreatedAt:    e.now(),
	}
	if err := e.store.Put(deal); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	observability.Deals().Opened()
	e.log.Info("deal created", "deal", deal.ID, "initiator", initiatorID)
	e.emit(newDealEvent(EventTypeTicketCreated, deal))
	return deal.Clone(), nil
}

// Accept acknowledges the ticket and starts the bounded wait for the second
// participant. Only a current participant may accept.
func (e *Engine) Accept(ctx context.Context, id, callerID string) error {
	deal, err := e.store.Update(id, func(d *Deal) error {
		if !d.HasParticipant(callerID) {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, callerID)
		}
		return transition(d, DealAwaitingSecondParty)
	})
	if err != nil {
		return err
	}
	e.emit(newDealEvent(EventTypeSecondPartyNeeded, deal))
	return nil
}

// AddSecondParty registers the counterparty and opens role negotiation.
func (e *Engine) AddSecondParty(ctx context.Context, id, participantID string) error {
	deal, err := e.store.Update(id, func(d *Deal) error {
		if d.State != DealCreated && d.State != DealAwaitingSecondParty {
			return fmt.Errorf("%w: %s", ErrInvalidState, d.State)
		}
		if participantID == "" || d.HasParticipant(participantID) {
			return fmt.Errorf("%w: %s", ErrInvalidParticipant, participantID)
		}
		if len(d.Participants) >= 2 {
			return fmt.Errorf("%w: deal already has two participants", ErrInvalidParticipant)
		}
		d.Participants = append(d.Participants, participantID)
		d.Pending = map[string]*RoleSelection{
			d.Participants[0]: {},
			d.Participants[1]: {},
		}
		return transition(d, DealNegotiatingRoles)
	})
	if err != nil {
		return err
	}
	e.log.Info("second party joined", "deal", id, "participant", participantID)
	e.emit(newDealEvent(EventTypeRolePrompt, deal))
	return nil
}

// SelectRole records a participant's role choice for the negotiation round.
func (e *Engine) SelectRole(ctx context.Context, id, participantID string, role Role) error {
	_, err := e.negotiator.SelectRole(id, participantID, role)
	return err
}

// ConfirmRole confirms a participant's selected role and, once both sides
// have confirmed complementary roles, advances the deal into the payment
// phase. A role conflict resets the round and is reported as a recoverable
// failure; the deal stays in negotiation.
func (e *Engine) ConfirmRole(ctx context.Context, id, participantID string) error {
	deal, err := e.negotiator.Confirm(id, participantID)
	if err != nil {
		return err
	}
	e.emit(withAttr(newDealEvent(EventTypeRoleConfirmed, deal), "participant", participantID))

	assignment, err := e.negotiator.TryComplete(id)
	if errors.Is(err, ErrRoleConflict) {
		e.log.Info("role conflict, negotiation reset", "deal", id)
		e.emit(newDealEvent(EventTypeRolesConflict, deal))
		return err
	}
	if err != nil {
		return err
	}
	if assignment == nil {
		return nil
	}
	return e.AdvanceAfterRoles(ctx, id, assignment)
}

// AdvanceAfterRoles requests a deposit address for the completed role
// assignment and moves the deal into the payment phase. The assignment is
// re-validated defensively even though the negotiator enforces it. Address
// issuance failure marks the deal FAILED: it indicates a misconfigured or
// unavailable node and is not retried automatically.
func (e *Engine) AdvanceAfterRoles(ctx context.Context, id string, assignment *RoleAssignment) error {
	return e.store.WithLock(id, func() error {
		deal, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if deal.State != DealNegotiatingRoles {
			if deal.State == DealAwaitingPayment && deal.DepositAddress != "" {
				return nil
			}
			return fmt.Errorf("%w: %s", ErrInvalidState, deal.State)
		}
		if assignment == nil || assignment.Sender == "" || assignment.Receiver == "" ||
			assignment.Sender == assignment.Receiver ||
			!deal.HasParticipant(assignment.Sender) || !deal.HasParticipant(assignment.Receiver) {
			return fmt.Errorf("%w: assignment requires one sender and one receiver", ErrRoleConflict)
		}

		address, custodialKey, err := e.gateway.NewAddress(ctx)
		if err != nil {
			deal.State = DealFailed
			deal.ClosedAt = e.now()
			if putErr := e.store.Put(deal); putErr != nil {
				e.log.Error("persist failed deal", "deal", id, "error", putErr)
			}
			observability.Deals().Failed()
			e.log.Error("address issuance failed", "deal", id, "error", err)
			e.emit(withAttr(withAttr(newDealEvent(EventTypeError, deal), "kind", "gateway"), "message", "could not issue deposit address"))
			return fmt.Errorf("issue deposit address: %w", err)
		}

		deal.Sender = assignment.Sender
		deal.Receiver = assignment.Receiver
		deal.Pending = nil
		deal.DepositAddress = address
		deal.CustodialKey = custodialKey
		if err := transition(deal, DealAwaitingPayment); err != nil {
			return err
		}
		if err := e.store.Put(deal); err != nil {
			return err
		}
		e.log.Info("deposit address issued", "deal", id, "address", address)
		e.emit(newDealEvent(EventTypeAddressIssued, deal))
		return nil
	})
}

// PollPayment checks the deposit address for a zero-confirmation balance.
// It reports whether funds were detected. Repeated calls before the
// threshold is crossed are no-ops; gateway errors are treated as
// balance-zero so transient node trouble never kills the poll loop.
func (e *Engine) PollPayment(ctx context.Context, id string) (bool, error) {
	detected := false
	err := e.store.WithLock(id, func() error {
		deal, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if deal.State != DealAwaitingPayment {
			return fmt.Errorf("%w: %s", ErrInvalidState, deal.State)
		}
		balance, err := e.gateway.ReceivedBalance(ctx, deal.DepositAddress, 0)
		if err != nil {
			observability.Deals().PollError()
			e.log.Debug("payment poll error", "deal", id, "error", err)
			return nil
		}
		if balance <= 0 {
			return nil
		}
		deal.AmountReceived = balance
		if err := transition(deal, DealAwaitingConfirmation); err != nil {
			return err
		}
		if err := e.store.Put(deal); err != nil {
			return err
		}
		detected = true
		e.log.Info("funds detected", "deal", id, "amount", balance.String())
		e.emit(newDealEvent(EventTypeFundsDetected, deal))
		return nil
	})
	return detected, err
}

// PollConfirmation checks the deposit address balance at one confirmation
// and moves the deal to READY_TO_RELEASE once the payment is confirmed.
func (e *Engine) PollConfirmation(ctx context.Context, id string) (bool, error) {
	confirmed := false
	err := e.store.WithLock(id, func() error {
		deal, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if deal.State != DealAwaitingConfirmation {
			return fmt.Errorf("%w: %s", ErrInvalidState, deal.State)
		}
		balance, err := e.gateway.ReceivedBalance(ctx, deal.DepositAddress, 1)
		if err != nil {
			observability.Deals().PollError()
			e.log.Debug("confirmation poll error", "deal", id, "error", err)
			return nil
		}
		if balance <= 0 {
			return nil
		}
		if err := transition(deal, DealReadyToRelease); err != nil {
			return err
		}
		if err := e.store.Put(deal); err != nil {
			return err
		}
		confirmed = true
		e.log.Info("payment confirmed", "deal", id)
		e.emit(newDealEvent(EventTypeFundsConfirmed, deal))
		return nil
	})
	return confirmed, err
}

// Release pays the escrowed funds out to the destination address. The
// transaction is built and signed twice: once at the full amount to measure
// the signed size, then again with the fee-adjusted payout. Any failure
// leaves the deal in READY_TO_RELEASE so the release can be retried; funds
// are never stranded by a failed attempt.
func (e *Engine) Release(ctx context.Context, id, destinationAddress string) (string, error) {
	var txid string
	err := e.store.WithLock(id, func() error {
		deal, err := e.store.Get(id)
		if err != nil {
			return err
		}
		if deal.State != DealReadyToRelease {
			return fmt.Errorf("%w: %s", ErrInvalidState, deal.State)
		}
		if err := wallet.ValidateDestination(destinationAddress); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDestination, err)
		}

		outputs, err := e.gateway.SpendableOutputs(ctx, deal.DepositAddress)
		if err != nil {
			return e.releaseFailed(deal, "list spendable outputs", err)
		}
		if len(outputs) == 0 {
			return e.releaseFailed(deal, "no spendable outputs", ErrNoFundsAvailable)
		}
		total := wallet.SumOutputs(outputs)

		draftHex, err := e.gateway.BuildSignedTransaction(ctx, outputs, destinationAddress, total, deal.CustodialKey)
		if err != nil {
			return e.releaseFailed(deal, "build draft transaction", err)
		}
		fee := wallet.FeeForSize(e.feeRate, wallet.SignedSize(draftHex))
		finalAmount := total - fee
		if finalAmount <= 0 {
			return e.releaseFailed(deal, "fee exceeds available funds", wallet.ErrRejected)
		}

		finalHex, err := e.gateway.BuildSignedTransaction(ctx, outputs, destinationAddress, finalAmount, deal.CustodialKey)
		if err != nil {
			return e.releaseFailed(deal, "build final transaction", err)
		}
		broadcastID, err := e.gateway.Broadcast(ctx, finalHex)
		if err != nil {
			return e.releaseFailed(deal, "broadcast", err)
		}

		deal.DestinationAddress = destinationAddress
		deal.TxID = broadcastID
		deal.ClosedAt = e.now()
		if err := transition(deal, DealReleased); err != nil {
			return err
		}
		if err := e.store.Put(deal); err != nil {
			return err
		}
		observability.Deals().Released()
		e.log.Info("funds released", "deal", id, "txid", broadcastID,
			"amount", deal.AmountReceived.String(), "fee", fee.String())

		if err := e.stats.RecordRelease(deal.AmountReceived, deal.Sender, deal.Receiver); err != nil {
			// Stats are best-effort accounting; the release itself succeeded.
			e.log.Error("record release stats", "deal", id, "error", err)
		}
		e.emit(newDealEvent(EventTypeReleaseSucceeded, deal))
		txid = broadcastID
		return nil
	})
	if err != nil {
		return "", err
	}
	return txid, nil
}

func (e *Engine) releaseFailed(deal *Deal, step string, cause error) error {
	observability.Deals().ReleaseFailure()
	e.log.Error("release failed", "deal", deal.ID, "step", step, "error", cause)
	e.emit(withAttr(newDealEvent(EventTypeReleaseFailed, deal), "reason", step))
	return fmt.Errorf("release %s: %s: %w", deal.ID, step, cause)
}

// Cancel closes the deal from any non-terminal state. No on-chain action is
// attempted: cancellation before funds arrive is free, and unwinding a
// funded deal is an administrative path.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	var already bool
	deal, err := e.store.Update(id, func(d *Deal) error {
		if d.State == DealCancelled {
			already = true
			return nil
		}
		if err := transition(d, DealCancelled); err != nil {
			return err
		}
		d.ClosedAt = e.now()
		return nil
	})
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	observability.Deals().Cancelled()
	e.log.Info("deal cancelled", "deal", id)
	e.emit(newDealEvent(EventTypeCancelled, deal))
	return nil
}

// ExpireJoin cancels a deal whose second participant never arrived within
// the bounded wait. Deals that have progressed past the waiting states are
// left untouched.
func (e *Engine) ExpireJoin(ctx context.Context, id string) error {
	var expired bool
	deal, err := e.store.Update(id, func(d *Deal) error {
		if d.State != DealCreated && d.State != DealAwaitingSecondParty {
			return nil
		}
		if err := transition(d, DealCancelled); err != nil {
			return err
		}
		d.ClosedAt = e.now()
		expired = true
		return nil
	})
	if err != nil {
		return err
	}
	if !expired {
		return nil
	}
	observability.Deals().Cancelled()
	e.log.Info("deal expired waiting for second party", "deal", id)
	e.emit(withAttr(newDealEvent(EventTypeCancelled, deal), "reason", "timeout"))
	return nil
}

// ReportReleaseWait emits a reminder when a deal has sat in
// READY_TO_RELEASE past the destination-address wait. The deal is not
// cancelled: funds exist and must stay claimable.
func (e *Engine) ReportReleaseWait(ctx context.Context, id string) error {
	deal, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if deal.State != DealReadyToRelease {
		return nil
	}
	e.emit(withAttr(withAttr(newDealEvent(EventTypeError, deal), "kind", "timeout"), "message", "destination address still needed"))
	return nil
}
