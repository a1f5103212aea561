package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcutil"
)

type rpcCall struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int64         `json:"id"`
}

// fakeNode answers JSON-RPC requests from canned per-method results and
// records every call it sees.
type fakeNode struct {
	t       *testing.T
	results map[string]interface{}
	errors  map[string]string
	calls   []rpcCall
}

func (n *fakeNode) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			n.t.Errorf("decode rpc request: %v", err)
			return
		}
		n.calls = append(n.calls, call)
		if msg, ok := n.errors[call.Method]; ok {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": nil,
				"error":  map[string]interface{}{"code": -32000, "message": msg},
				"id":     call.ID,
			})
			return
		}
		result, ok := n.results[call.Method]
		if !ok {
			n.t.Errorf("unexpected rpc method %q", call.Method)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": result,
			"error":  nil,
			"id":     call.ID,
		})
	}
}

func newFakeNode(t *testing.T) (*fakeNode, *LitecoindClient) {
	t.Helper()
	node := &fakeNode{
		t:       t,
		results: make(map[string]interface{}),
		errors:  make(map[string]string),
	}
	server := httptest.NewServer(node.handler())
	t.Cleanup(server.Close)
	return node, NewLitecoindClient(server.URL, "rpcuser", "rpcpass")
}

func TestNewAddressExportsKey(t *testing.T) {
	node, client := newFakeNode(t)
	node.results["getnewaddress"] = "Laddress"
	node.results["dumpprivkey"] = "Tprivkey"

	address, key, err := client.NewAddress(context.Background())
	if err != nil {
		t.Fatalf("NewAddress: %v", err)
	}
	if address != "Laddress" || key != "Tprivkey" {
		t.Fatalf("got %q/%q", address, key)
	}
	if len(node.calls) != 2 || node.calls[0].Method != "getnewaddress" || node.calls[1].Method != "dumpprivkey" {
		t.Fatalf("calls = %+v", node.calls)
	}
}

func TestReceivedBalancePassesConfirmationDepth(t *testing.T) {
	node, client := newFakeNode(t)
	node.results["getreceivedbyaddress"] = 2.5

	got, err := client.ReceivedBalance(context.Background(), "Laddress", 1)
	if err != nil {
		t.Fatalf("ReceivedBalance: %v", err)
	}
	want, _ := btcutil.NewAmount(2.5)
	if got != want {
		t.Fatalf("balance = %d, want %d", got, want)
	}
	params := node.calls[0].Params
	if len(params) != 2 || params[0] != "Laddress" || params[1] != float64(1) {
		t.Fatalf("params = %+v", params)
	}
}

func TestSpendableOutputs(t *testing.T) {
	node, client := newFakeNode(t)
	node.results["listunspent"] = []map[string]interface{}{
		{"txid": "aa", "vout": 0, "amount": 1.0},
		{"txid": "bb", "vout": 2, "amount": 0.25},
	}

	outputs, err := client.SpendableOutputs(context.Background(), "Laddress")
	if err != nil {
		t.Fatalf("SpendableOutputs: %v", err)
	}
	if len(outputs) != 2 || outputs[0].TxID != "aa" || outputs[1].Vout != 2 {
		t.Fatalf("outputs = %+v", outputs)
	}
	quarter, _ := btcutil.NewAmount(0.25)
	if outputs[1].Amount != quarter {
		t.Fatalf("amount = %d, want %d", outputs[1].Amount, quarter)
	}
}

func TestBuildSignedTransaction(t *testing.T) {
	node, client := newFakeNode(t)
	node.results["createrawtransaction"] = "00rawhex"
	node.results["signrawtransactionwithkey"] = map[string]interface{}{
		"hex":      "00signedhex",
		"complete": true,
	}

	amount, _ := btcutil.NewAmount(1.5)
	outputs := []Output{{TxID: "aa", Vout: 0, Amount: amount}}
	hex, err := client.BuildSignedTransaction(context.Background(), outputs, "Ldest", amount, "Tprivkey")
	if err != nil {
		t.Fatalf("BuildSignedTransaction: %v", err)
	}
	if hex != "00signedhex" {
		t.Fatalf("hex = %q", hex)
	}
}

func TestIncompleteSignatureRejected(t *testing.T) {
	node, client := newFakeNode(t)
	node.results["createrawtransaction"] = "00rawhex"
	node.results["signrawtransactionwithkey"] = map[string]interface{}{
		"hex":      "00partial",
		"complete": false,
	}

	amount, _ := btcutil.NewAmount(1.0)
	_, err := client.BuildSignedTransaction(context.Background(), []Output{{TxID: "aa", Amount: amount}}, "Ldest", amount, "Tprivkey")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestNodeErrorsWrapRejected(t *testing.T) {
	node, client := newFakeNode(t)
	node.errors["sendrawtransaction"] = "txn-mempool-conflict"

	_, err := client.Broadcast(context.Background(), "00deadbeef")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
}

func TestTransportErrorsWrapUnavailable(t *testing.T) {
	client := NewLitecoindClient("http://127.0.0.1:1", "", "")
	_, err := client.ReceivedBalance(context.Background(), "Laddress", 0)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
