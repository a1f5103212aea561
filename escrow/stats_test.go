package escrow

import (
	"sync"
	"testing"

	"github.com/btcsuite/btcutil"

	"automiddleman/storage"
)

func TestSanitizeParticipantKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"alice", "alice"},
		{"alice#1234", "alice_1234"},
		{"  padded  ", "padded"},
		{"dots.and-dashes", "dots.and-dashes"},
		{"spaces in names", "spaces_in_names"},
		{"slash/injection", "slash_injection"},
		{"ctrl\x00char", "ctrl_char"},
		{"semi;colon=quote", "semi_colon_quote"},
	}
	for _, tc := range cases {
		if got := SanitizeParticipantKey(tc.in); got != tc.want {
			t.Errorf("SanitizeParticipantKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRecordReleaseAccumulates(t *testing.T) {
	stats := NewStatsAggregator(storage.NewMemDB())

	one, _ := btcutil.NewAmount(1.0)
	two, _ := btcutil.NewAmount(2.0)
	if err := stats.RecordRelease(one, "alice", "bob"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := stats.RecordRelease(two, "bob", "alice"); err != nil {
		t.Fatalf("record: %v", err)
	}

	alice, err := stats.Participant("alice")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if alice.AmountSent != one || alice.AmountReceived != two {
		t.Fatalf("alice = %+v", alice)
	}
	if alice.TotalVolume != one+two || alice.TotalDeals != 2 {
		t.Fatalf("alice totals = %+v", alice)
	}

	totals, err := stats.Global()
	if err != nil {
		t.Fatalf("global: %v", err)
	}
	if totals.DealCount != 2 || totals.TotalVolume != one+two {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestRecordReleaseRejectsNonPositive(t *testing.T) {
	stats := NewStatsAggregator(storage.NewMemDB())
	if err := stats.RecordRelease(0, "alice", "bob"); err == nil {
		t.Fatal("expected error for zero amount")
	}
	if err := stats.RecordRelease(-1, "alice", "bob"); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestUnknownParticipantReportsZeroes(t *testing.T) {
	stats := NewStatsAggregator(storage.NewMemDB())
	got, err := stats.Participant("nobody")
	if err != nil {
		t.Fatalf("participant: %v", err)
	}
	if got != (ParticipantStats{}) {
		t.Fatalf("got %+v, want zeroes", got)
	}
}

func TestConcurrentReleasesDoNotClobber(t *testing.T) {
	stats := NewStatsAggregator(storage.NewMemDB())
	one, _ := btcutil.NewAmount(0.1)

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := stats.RecordRelease(one, "alice", "bob"); err != nil {
				t.Errorf("record: %v", err)
			}
		}()
	}
	wg.Wait()

	alice, _ := stats.Participant("alice")
	if alice.AmountSent != one*workers || alice.TotalDeals != workers {
		t.Fatalf("alice = %+v, want %d sends", alice, workers)
	}
	totals, _ := stats.Global()
	if totals.DealCount != workers {
		t.Fatalf("ledger entries = %d, want %d", totals.DealCount, workers)
	}
}
