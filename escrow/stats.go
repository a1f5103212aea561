package escrow

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil"

	"automiddleman/storage"
)

const (
	participantKeyPrefix = "user/"
	globalStatsKey       = "stats/global"
	ledgerEntryPrefix    = "deal"
)

var participantKeySanitizer = regexp.MustCompile(`[^\w.\-]`)

// SanitizeParticipantKey reduces a participant identifier to the character
// set safe for use as a store key.
func SanitizeParticipantKey(id string) string {
	return participantKeySanitizer.ReplaceAllString(strings.TrimSpace(id), "_")
}

// ParticipantStats carries the running totals for one participant. Amounts
// are gross: the sender is credited the full detected amount regardless of
// the network fee paid on release.
type ParticipantStats struct {
	AmountSent     btcutil.Amount `json:"amountSent"`
	AmountReceived btcutil.Amount `json:"amountReceived"`
	TotalVolume    btcutil.Amount `json:"totalVolume"`
	TotalDeals     int            `json:"totalDeals"`
}

// GlobalStats is the append-only ledger of completed deal amounts keyed by a
// monotonically increasing deal number ("deal1", "deal2", ...).
type GlobalStats struct {
	Deals map[string]btcutil.Amount `json:"deals"`
}

// Totals summarizes the global ledger.
type Totals struct {
	DealCount   int            `json:"dealCount"`
	TotalVolume btcutil.Amount `json:"totalVolume"`
}

// StatsAggregator accumulates per-participant and global counters from
// released deals. Updates are per-key read-modify-write under a keyed lock,
// so concurrent closures of different deals touching the same participant
// never clobber one another.
type StatsAggregator struct {
	db storage.Database

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStatsAggregator wraps a key-value database with stats semantics.
func NewStatsAggregator(db storage.Database) *StatsAggregator {
	return &StatsAggregator{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *StatsAggregator) lockFor(key string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[key] = lock
	}
	return lock
}

// RecordRelease credits the sender and receiver with the gross amount and
// appends the deal to the global ledger. Invoked exactly once per RELEASED
// transition.
func (a *StatsAggregator) RecordRelease(amount btcutil.Amount, senderID, receiverID string) error {
	if amount <= 0 {
		return fmt.Errorf("stats: amount must be positive")
	}
	if err := a.updateParticipant(senderID, amount, 0); err != nil {
		return err
	}
	if err := a.updateParticipant(receiverID, 0, amount); err != nil {
		return err
	}
	return a.appendLedger(amount)
}

func (a *StatsAggregator) updateParticipant(id string, sent, received btcutil.Amount) error {
	key := participantKeyPrefix + SanitizeParticipantKey(id)
	lock := a.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	stats, err := a.loadParticipant(key)
	if err != nil {
		return err
	}
	stats.AmountSent += sent
	stats.AmountReceived += received
	stats.TotalVolume = stats.AmountSent + stats.AmountReceived
	if sent > 0 || received > 0 {
		stats.TotalDeals++
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return a.db.Put([]byte(key), raw)
}

func (a *StatsAggregator) loadParticipant(key string) (ParticipantStats, error) {
	raw, err := a.db.Get([]byte(key))
	if errors.Is(err, storage.ErrNotFound) {
		return ParticipantStats{}, nil
	}
	if err != nil {
		return ParticipantStats{}, err
	}
	var stats ParticipantStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return ParticipantStats{}, fmt.Errorf("decode stats %s: %w", key, err)
	}
	return stats, nil
}

func (a *StatsAggregator) appendLedger(amount btcutil.Amount) error {
	lock := a.lockFor(globalStatsKey)
	lock.Lock()
	defer lock.Unlock()

	ledger, err := a.loadLedger()
	if err != nil {
		return err
	}
	next := 0
	for key := range ledger.Deals {
		if !strings.HasPrefix(key, ledgerEntryPrefix) {
			continue
		}
		if n, err := strconv.Atoi(key[len(ledgerEntryPrefix):]); err == nil && n > next {
			next = n
		}
	}
	ledger.Deals[fmt.Sprintf("%s%d", ledgerEntryPrefix, next+1)] = amount
	raw, err := json.Marshal(ledger)
	if err != nil {
		return err
	}
	return a.db.Put([]byte(globalStatsKey), raw)
}

func (a *StatsAggregator) loadLedger() (GlobalStats, error) {
	ledger := GlobalStats{Deals: make(map[string]btcutil.Amount)}
	raw, err := a.db.Get([]byte(globalStatsKey))
	if errors.Is(err, storage.ErrNotFound) {
		return ledger, nil
	}
	if err != nil {
		return GlobalStats{}, err
	}
	if err := json.Unmarshal(raw, &ledger); err != nil {
		return GlobalStats{}, fmt.Errorf("decode global stats: %w", err)
	}
	if ledger.Deals == nil {
		ledger.Deals = make(map[string]btcutil.Amount)
	}
	return ledger, nil
}

// Participant returns the running totals for a participant. Unknown
// participants report zeroes.
func (a *StatsAggregator) Participant(id string) (ParticipantStats, error) {
	return a.loadParticipant(participantKeyPrefix + SanitizeParticipantKey(id))
}

// Global summarizes the completed-deal ledger.
func (a *StatsAggregator) Global() (Totals, error) {
	ledger, err := a.loadLedger()
	if err != nil {
		return Totals{}, err
	}
	totals := Totals{DealCount: len(ledger.Deals)}
	for _, amount := range ledger.Deals {
		totals.TotalVolume += amount
	}
	return totals, nil
}
