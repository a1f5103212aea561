package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcutil"

	"automiddleman/escrow"
	"automiddleman/storage"
	"automiddleman/wallet"
)

const testDestination = "LVg2kJoFNg45Nbpy53h7Fe1wKyeXVRhMH9"

type fakeGateway struct {
	balance btcutil.Amount
}

func (g *fakeGateway) NewAddress(ctx context.Context) (string, string, error) {
	return "LYmpMZ5JzYdGXe2vEuYvfiyfHxnNhnomt3", "Tcustodial", nil
}

func (g *fakeGateway) ReceivedBalance(ctx context.Context, address string, minConfirmations int) (btcutil.Amount, error) {
	return g.balance, nil
}

func (g *fakeGateway) SpendableOutputs(ctx context.Context, address string) ([]wallet.Output, error) {
	if g.balance <= 0 {
		return nil, nil
	}
	return []wallet.Output{{TxID: "aa", Vout: 0, Amount: g.balance}}, nil
}

func (g *fakeGateway) BuildSignedTransaction(ctx context.Context, outputs []wallet.Output, destination string, amount btcutil.Amount, custodialKey string) (string, error) {
	return strings.Repeat("ab", 226), nil
}

func (g *fakeGateway) Broadcast(ctx context.Context, signedHex string) (string, error) {
	return "feedface", nil
}

func newTestServer(t *testing.T, ratePerMinute int) (*Server, *escrow.Engine, *fakeGateway) {
	t.Helper()
	db := storage.NewMemDB()
	store := escrow.NewDealStore(db)
	stats := escrow.NewStatsAggregator(db)
	gateway := &fakeGateway{}
	engine := escrow.NewEngine(store, stats, gateway)
	watcher := escrow.NewDealWatcher(engine, 5*time.Millisecond, time.Minute, time.Minute)
	engine.SetEmitter(watcher)
	t.Cleanup(watcher.Close)
	return NewServer(engine, watcher, stats, nil, nil, ratePerMinute), engine, gateway
}

func doJSON(t *testing.T, server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.1:5000"
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestDealLifecycleOverHTTP(t *testing.T) {
	server, engine, gateway := newTestServer(t, 10_000)

	rec := doJSON(t, server, http.MethodPost, "/deals", map[string]string{"initiator": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d body = %s", rec.Code, rec.Body.String())
	}
	var created DealView
	decodeBody(t, rec, &created)
	if created.State != "created" || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	id := created.ID

	rec = doJSON(t, server, http.MethodPost, "/deals/"+id+"/participants", map[string]string{"participant": "bob"})
	if rec.Code != http.StatusOK {
		t.Fatalf("join status = %d body = %s", rec.Code, rec.Body.String())
	}

	for _, step := range []struct {
		path string
		body map[string]string
	}{
		{"/role", map[string]string{"participant": "alice", "role": "sender"}},
		{"/role", map[string]string{"participant": "bob", "role": "receiver"}},
		{"/confirm-role", map[string]string{"participant": "alice"}},
		{"/confirm-role", map[string]string{"participant": "bob"}},
	} {
		rec = doJSON(t, server, http.MethodPost, "/deals/"+id+step.path, step.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d body = %s", step.path, rec.Code, rec.Body.String())
		}
	}

	var view DealView
	decodeBody(t, rec, &view)
	if view.State != "awaiting_payment" || view.DepositAddress == "" {
		t.Fatalf("post-negotiation view = %+v", view)
	}

	// The participant-facing projection must never carry the custodial key.
	rec = doJSON(t, server, http.MethodGet, "/deals/"+id, nil)
	if strings.Contains(rec.Body.String(), "Tcustodial") ||
		strings.Contains(strings.ToLower(rec.Body.String()), "custodialkey") {
		t.Fatalf("custodial key exposed: %s", rec.Body.String())
	}

	amount, _ := btcutil.NewAmount(2.5)
	gateway.balance = amount
	ctx := context.Background()
	if _, err := engine.PollPayment(ctx, id); err != nil {
		t.Fatalf("poll payment: %v", err)
	}
	if _, err := engine.PollConfirmation(ctx, id); err != nil {
		t.Fatalf("poll confirmation: %v", err)
	}

	rec = doJSON(t, server, http.MethodPost, "/deals/"+id+"/release", map[string]string{"destination": testDestination})
	if rec.Code != http.StatusOK {
		t.Fatalf("release status = %d body = %s", rec.Code, rec.Body.String())
	}
	var released map[string]string
	decodeBody(t, rec, &released)
	if released["txid"] != "feedface" {
		t.Fatalf("release response = %+v", released)
	}

	rec = doJSON(t, server, http.MethodGet, "/stats/alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var stats map[string]interface{}
	decodeBody(t, rec, &stats)
	if stats["amountSent"] != 2.5 || stats["totalDeals"] != float64(1) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestErrorMapping(t *testing.T) {
	server, _, _ := newTestServer(t, 10_000)

	rec := doJSON(t, server, http.MethodGet, "/deals/unknown", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing deal status = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/deals", map[string]string{"initiator": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty initiator status = %d", rec.Code)
	}

	rec = doJSON(t, server, http.MethodPost, "/deals", map[string]string{"initiator": "alice"})
	var created DealView
	decodeBody(t, rec, &created)

	rec = doJSON(t, server, http.MethodPost, "/deals/"+created.ID+"/release", map[string]string{"destination": testDestination})
	if rec.Code != http.StatusConflict {
		t.Fatalf("premature release status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, server, http.MethodPost, "/deals/"+created.ID+"/role", map[string]string{"participant": "alice", "role": "banker"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad role status = %d", rec.Code)
	}
}

func TestRoleConflictMapsToConflictStatus(t *testing.T) {
	server, _, _ := newTestServer(t, 10_000)

	rec := doJSON(t, server, http.MethodPost, "/deals", map[string]string{"initiator": "alice"})
	var created DealView
	decodeBody(t, rec, &created)
	id := created.ID

	doJSON(t, server, http.MethodPost, "/deals/"+id+"/participants", map[string]string{"participant": "bob"})
	doJSON(t, server, http.MethodPost, "/deals/"+id+"/role", map[string]string{"participant": "alice", "role": "sender"})
	doJSON(t, server, http.MethodPost, "/deals/"+id+"/role", map[string]string{"participant": "bob", "role": "sender"})
	doJSON(t, server, http.MethodPost, "/deals/"+id+"/confirm-role", map[string]string{"participant": "alice"})
	rec = doJSON(t, server, http.MethodPost, "/deals/"+id+"/confirm-role", map[string]string{"participant": "bob"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimiting(t *testing.T) {
	server, _, _ := newTestServer(t, 1)

	rec := doJSON(t, server, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}
	rec = doJSON(t, server, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}
