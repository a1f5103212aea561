package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcutil"

	"automiddleman/observability"
)

// LitecoindClient implements Gateway against a litecoind JSON-RPC endpoint.
// It replaces shelling out to the node's command-line tool with direct RPC
// calls carrying the same commands.
type LitecoindClient struct {
	baseURL string
	rpcUser string
	rpcPass string
	http    *http.Client
	nextID  atomic.Int64
	minConf int
	maxConf int
}

// NewLitecoindClient builds a client for the node at baseURL using HTTP
// basic auth credentials from the node's rpcuser/rpcpassword settings.
func NewLitecoindClient(baseURL, rpcUser, rpcPass string) *LitecoindClient {
	return &LitecoindClient{
		baseURL: baseURL,
		rpcUser: rpcUser,
		rpcPass: rpcPass,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
		minConf: 1,
		maxConf: 9_999_999,
	}
}

type jsonRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type jsonRPCResponse struct {
	Result json.RawMessage  `json:"result"`
	Error  *jsonRPCErrorObj `json:"error"`
	ID     int64            `json:"id"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewAddress issues a fresh address and immediately exports its private key
// so the release step can sign without further wallet access.
func (c *LitecoindClient) NewAddress(ctx context.Context) (string, string, error) {
	var address string
	if err := c.call(ctx, "getnewaddress", nil, &address); err != nil {
		return "", "", err
	}
	var key string
	if err := c.call(ctx, "dumpprivkey", []interface{}{address}, &key); err != nil {
		return "", "", err
	}
	return address, key, nil
}

// ReceivedBalance reports the amount received by the address at the given
// confirmation depth.
func (c *LitecoindClient) ReceivedBalance(ctx context.Context, address string, minConfirmations int) (btcutil.Amount, error) {
	var balance float64
	if err := c.call(ctx, "getreceivedbyaddress", []interface{}{address, minConfirmations}, &balance); err != nil {
		return 0, err
	}
	amount, err := btcutil.NewAmount(balance)
	if err != nil {
		return 0, fmt.Errorf("%w: bad balance %v: %v", ErrRejected, balance, err)
	}
	return amount, nil
}

type listUnspentResult struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"vout"`
	Amount float64 `json:"amount"`
}

// SpendableOutputs lists confirmed unspent outputs held by the address.
func (c *LitecoindClient) SpendableOutputs(ctx context.Context, address string) ([]Output, error) {
	var results []listUnspentResult
	params := []interface{}{c.minConf, c.maxConf, []string{address}}
	if err := c.call(ctx, "listunspent", params, &results); err != nil {
		return nil, err
	}
	outputs := make([]Output, 0, len(results))
	for _, res := range results {
		amount, err := btcutil.NewAmount(res.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: bad output amount %v: %v", ErrRejected, res.Amount, err)
		}
		outputs = append(outputs, Output{TxID: res.TxID, Vout: res.Vout, Amount: amount})
	}
	return outputs, nil
}

type signResult struct {
	Hex      string `json:"hex"`
	Complete bool   `json:"complete"`
}

// BuildSignedTransaction creates a raw transaction spending the outputs to
// the destination and signs it with the custodial key.
func (c *LitecoindClient) BuildSignedTransaction(ctx context.Context, outputs []Output, destination string, amount btcutil.Amount, custodialKey string) (string, error) {
	if len(outputs) == 0 {
		return "", fmt.Errorf("%w: no outputs to spend", ErrRejected)
	}
	inputs := make([]map[string]interface{}, 0, len(outputs))
	for _, out := range outputs {
		inputs = append(inputs, map[string]interface{}{"txid": out.TxID, "vout": out.Vout})
	}
	payout := map[string]interface{}{destination: amount.ToBTC()}
	var rawHex string
	if err := c.call(ctx, "createrawtransaction", []interface{}{inputs, payout}, &rawHex); err != nil {
		return "", err
	}
	var signed signResult
	if err := c.call(ctx, "signrawtransactionwithkey", []interface{}{rawHex, []string{custodialKey}}, &signed); err != nil {
		return "", err
	}
	if !signed.Complete {
		return "", fmt.Errorf("%w: incomplete signature", ErrRejected)
	}
	return signed.Hex, nil
}

// Broadcast submits the signed transaction to the network.
func (c *LitecoindClient) Broadcast(ctx context.Context, signedHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "sendrawtransaction", []interface{}{signedHex}, &txid); err != nil {
		return "", err
	}
	return txid, nil
}

func (c *LitecoindClient) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	started := time.Now()
	err := c.doCall(ctx, method, params, out)
	observability.GatewayMetrics().Observe(method, err, time.Since(started))
	return err
}

func (c *LitecoindClient) doCall(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "1.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.rpcUser) != "" {
		req.SetBasicAuth(c.rpcUser, c.rpcPass)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s: status=%d", ErrUnavailable, method, resp.StatusCode)
		}
		return fmt.Errorf("%w: %s: %v", ErrRejected, method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%w: %s: %s (code %d)", ErrRejected, method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 || string(rpcResp.Result) == "null" {
		return errors.New("wallet: node returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
