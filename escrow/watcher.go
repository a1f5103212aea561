package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval is the pause between balance polls.
	DefaultPollInterval = 10 * time.Second
	// DefaultJoinWait bounds the wait for the second participant.
	DefaultJoinWait = 60 * time.Second
	// DefaultReleaseWait bounds the wait for a destination address before a
	// reminder is raised.
	DefaultReleaseWait = 60 * time.Second
)

// DealWatcher runs the cooperative background tasks of the orchestrator:
// the payment and confirmation poll loops and the bounded join/payout
// waits. Each task is keyed by deal id and individually cancellable, so no
// orphaned poller survives a closed deal. The watcher consumes the engine's
// own lifecycle events to arm and tear down its tasks.
type DealWatcher struct {
	engine       *Engine
	log          *slog.Logger
	pollInterval time.Duration
	joinWait     time.Duration
	releaseWait  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	joinTimers    map[string]*time.Timer
	releaseTimers map[string]*time.Timer
	watching      map[string]context.CancelFunc
}

// NewDealWatcher constructs a watcher with the supplied intervals; zero or
// negative values fall back to the defaults.
func NewDealWatcher(engine *Engine, pollInterval, joinWait, releaseWait time.Duration) *DealWatcher {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if joinWait <= 0 {
		joinWait = DefaultJoinWait
	}
	if releaseWait <= 0 {
		releaseWait = DefaultReleaseWait
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DealWatcher{
		engine:        engine,
		log:           slog.Default(),
		pollInterval:  pollInterval,
		joinWait:      joinWait,
		releaseWait:   releaseWait,
		ctx:           ctx,
		cancel:        cancel,
		joinTimers:    make(map[string]*time.Timer),
		releaseTimers: make(map[string]*time.Timer),
		watching:      make(map[string]context.CancelFunc),
	}
}

// SetLogger overrides the watcher logger.
func (w *DealWatcher) SetLogger(log *slog.Logger) {
	if log != nil {
		w.log = log
	}
}

// Emit lets the watcher consume engine lifecycle events so its tasks track
// the deal state machine without the engine knowing about the watcher.
func (w *DealWatcher) Emit(evt Event) {
	id := evt.Attributes["id"]
	if id == "" {
		return
	}
	switch evt.Type {
	case EventTypeTicketCreated:
		w.armJoinTimeout(id)
	case EventTypeRolePrompt:
		w.disarmJoinTimeout(id)
	case EventTypeFundsConfirmed:
		w.armReleaseReminder(id)
	case EventTypeReleaseSucceeded, EventTypeCancelled:
		w.Stop(id)
	case EventTypeError:
		if evt.Attributes["kind"] == "gateway" {
			w.Stop(id)
		}
	}
}

func (w *DealWatcher) armJoinTimeout(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.joinTimers[id]; ok {
		old.Stop()
	}
	w.joinTimers[id] = time.AfterFunc(w.joinWait, func() {
		w.mu.Lock()
		delete(w.joinTimers, id)
		w.mu.Unlock()
		if err := w.engine.ExpireJoin(w.ctx, id); err != nil {
			w.log.Error("expire join wait", "deal", id, "error", err)
		}
	})
}

func (w *DealWatcher) disarmJoinTimeout(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.joinTimers[id]; ok {
		timer.Stop()
		delete(w.joinTimers, id)
	}
}

func (w *DealWatcher) armReleaseReminder(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.releaseTimers[id]; ok {
		old.Stop()
	}
	w.releaseTimers[id] = time.AfterFunc(w.releaseWait, func() {
		w.mu.Lock()
		delete(w.releaseTimers, id)
		w.mu.Unlock()
		if err := w.engine.ReportReleaseWait(w.ctx, id); err != nil {
			w.log.Error("report release wait", "deal", id, "error", err)
		}
	})
}

// WatchFunds starts the payment poll loop for a deal, rolling over into the
// confirmation loop once funds are detected. Starting an already-watched
// deal is a no-op.
func (w *DealWatcher) WatchFunds(id string) {
	w.mu.Lock()
	if _, ok := w.watching[id]; ok {
		w.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(w.ctx)
	w.watching[id] = cancel
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			if stored, ok := w.watching[id]; ok {
				stored()
				delete(w.watching, id)
			}
			w.mu.Unlock()
		}()
		w.watchFunds(ctx, id)
	}()
}

func (w *DealWatcher) watchFunds(ctx context.Context, id string) {
	deal, err := w.engine.Deal(id)
	if err != nil {
		w.log.Error("watch funds", "deal", id, "error", err)
		return
	}
	switch deal.State {
	case DealAwaitingPayment:
		if !w.pollLoop(ctx, id, w.engine.PollPayment) {
			return
		}
		w.pollLoop(ctx, id, w.engine.PollConfirmation)
	case DealAwaitingConfirmation:
		w.pollLoop(ctx, id, w.engine.PollConfirmation)
	}
}

// pollLoop drives one poll operation at the configured interval until it
// reports progress, the deal leaves the polled state, or the task is
// cancelled. It returns true only when the threshold was crossed.
func (w *DealWatcher) pollLoop(ctx context.Context, id string, poll func(context.Context, string) (bool, error)) bool {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			done, err := poll(ctx, id)
			if err != nil {
				if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrDealNotFound) {
					return false
				}
				w.log.Error("poll", "deal", id, "error", err)
				continue
			}
			if done {
				return true
			}
		}
	}
}

// Stop cancels every background task for the deal.
func (w *DealWatcher) Stop(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.watching[id]; ok {
		cancel()
		delete(w.watching, id)
	}
	if timer, ok := w.joinTimers[id]; ok {
		timer.Stop()
		delete(w.joinTimers, id)
	}
	if timer, ok := w.releaseTimers[id]; ok {
		timer.Stop()
		delete(w.releaseTimers, id)
	}
}

// Close cancels all tasks and waits for the poll loops to drain.
func (w *DealWatcher) Close() {
	w.cancel()
	w.mu.Lock()
	for id, timer := range w.joinTimers {
		timer.Stop()
		delete(w.joinTimers, id)
	}
	for id, timer := range w.releaseTimers {
		timer.Stop()
		delete(w.releaseTimers, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}
