package escrow

import (
	"errors"
	"sync"
	"testing"

	"automiddleman/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewDealStore(storage.NewMemDB())

	deal := &Deal{ID: "d1", State: DealCreated, Participants: []string{"alice"}, CreatedAt: 42}
	if err := store.Put(deal); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get("d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "d1" || got.State != DealCreated || got.CreatedAt != 42 {
		t.Fatalf("got %+v", got)
	}

	if _, err := store.Get("missing"); !errors.Is(err, ErrDealNotFound) {
		t.Fatalf("missing deal error = %v, want ErrDealNotFound", err)
	}
}

func TestStorePutRejectsInvalidRecords(t *testing.T) {
	store := NewDealStore(storage.NewMemDB())
	if err := store.Put(&Deal{ID: ""}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := store.Put(&Deal{ID: "d1", State: DealState(200)}); err == nil {
		t.Fatal("expected error for invalid state")
	}
	if err := store.Put(&Deal{ID: "d1", Sender: "x", Receiver: "x"}); err == nil {
		t.Fatal("expected error for sender == receiver")
	}
}

func TestUpdateAbortsWriteOnError(t *testing.T) {
	store := NewDealStore(storage.NewMemDB())
	if err := store.Put(&Deal{ID: "d1", State: DealCreated, Participants: []string{"alice"}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	boom := errors.New("boom")
	_, err := store.Update("d1", func(d *Deal) error {
		d.State = DealReleased
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("update error = %v, want boom", err)
	}
	got, _ := store.Get("d1")
	if got.State != DealCreated {
		t.Fatalf("aborted update leaked: state = %s", got.State)
	}
}

func TestUpdateSerializesPerDeal(t *testing.T) {
	store := NewDealStore(storage.NewMemDB())
	if err := store.Put(&Deal{ID: "d1", State: DealCreated, Participants: []string{"alice"}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	const writers = 32
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Update("d1", func(d *Deal) error {
				d.CreatedAt++
				return nil
			})
			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := store.Get("d1")
	if got.CreatedAt != writers {
		t.Fatalf("createdAt = %d, want %d", got.CreatedAt, writers)
	}
}
