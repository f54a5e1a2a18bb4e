package solana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swapbot/internal/retry"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers JSON-RPC calls from a method table. A handler returning an
// *RPCError produces a JSON-RPC error object.
func fakeNode(t *testing.T, handlers map[string]func(params []json.RawMessage) (any, *RPCError, any)) *RPC {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		h, ok := handlers[req.Method]
		if !ok {
			t.Errorf("unexpected method %s", req.Method)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		result, rpcErr, data := h(req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			e := map[string]any{"code": rpcErr.Code, "message": rpcErr.Message}
			if data != nil {
				e["data"] = data
			}
			resp["error"] = e
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	c, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	c.WithRetry(retry.Policy{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }})
	return c
}

func ok(v any) func([]json.RawMessage) (any, *RPCError, any) {
	return func([]json.RawMessage) (any, *RPCError, any) { return v, nil, nil }
}

func TestGetBalance(t *testing.T) {
	owner := newKeySigner(1).PublicKey()
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"getBalance": func(p []json.RawMessage) (any, *RPCError, any) {
			assert.JSONEq(t, `"`+owner.String()+`"`, string(p[0]))
			return map[string]any{"context": map[string]any{"slot": 1}, "value": 1_050_000_000}, nil, nil
		},
	})
	bal, err := c.GetBalance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_050_000_000), bal)
}

func TestGetTokenBalanceSumsAccounts(t *testing.T) {
	acc := func(amount string) map[string]any {
		return map[string]any{
			"pubkey": "acc",
			"account": map[string]any{"data": map[string]any{"parsed": map[string]any{"info": map[string]any{
				"mint": "m", "tokenAmount": map[string]any{"amount": amount, "decimals": 6},
			}}}},
		}
	}
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"getTokenAccountsByOwner": ok(map[string]any{"context": map[string]any{"slot": 1}, "value": []any{acc("1500"), acc("500")}}),
	})
	tb, err := c.GetTokenBalance(context.Background(), newKeySigner(1).PublicKey(), newKeySigner(2).PublicKey())
	require.NoError(t, err)
	assert.Equal(t, TokenBalance{Amount: 2000, Decimals: 6}, tb)
}

func TestGetLatestBlockhash(t *testing.T) {
	want := Hash{5, 6, 7}
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"getLatestBlockhash": ok(map[string]any{
			"context": map[string]any{"slot": 9},
			"value":   map[string]any{"blockhash": want.String(), "lastValidBlockHeight": 3090},
		}),
	})
	h, lvbh, err := c.GetLatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, h)
	assert.Equal(t, uint64(3090), lvbh)
}

func TestSendTransactionSimulationError(t *testing.T) {
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"sendTransaction": func(p []json.RawMessage) (any, *RPCError, any) {
			var opts map[string]any
			require.NoError(t, json.Unmarshal(p[1], &opts))
			assert.Equal(t, false, opts["skipPreflight"])
			assert.Equal(t, "base64", opts["encoding"])
			return nil, &RPCError{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 3: custom program error: 0x1771"},
				map[string]any{"err": map[string]any{"InstructionError": []any{3, map[string]any{"Custom": 6001}}}}
		},
	})
	signer := newKeySigner(1)
	tx := NewTransfer(signer.PublicKey(), newKeySigner(2).PublicKey(), 1, Hash{1})
	require.NoError(t, tx.Sign(signer))

	_, err := c.SendTransaction(context.Background(), tx)
	var re *RPCError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, -32002, re.Code)
	assert.Contains(t, re.Message, "custom program error")
	assert.Contains(t, re.Data, `"Custom":6001`)
}

func TestSignatureStatus(t *testing.T) {
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"getSignatureStatuses": func(p []json.RawMessage) (any, *RPCError, any) {
			var sigs []string
			require.NoError(t, json.Unmarshal(p[0], &sigs))
			if sigs[0] == "unknown" {
				return map[string]any{"context": map[string]any{"slot": 1}, "value": []any{nil}}, nil, nil
			}
			return map[string]any{"context": map[string]any{"slot": 1}, "value": []any{
				map[string]any{"slot": 5, "confirmations": nil, "err": nil, "confirmationStatus": "finalized"},
			}}, nil, nil
		},
	})
	st, err := c.GetSignatureStatus(context.Background(), "landed")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "finalized", st.ConfirmationStatus)
	assert.False(t, st.Failed())

	st, err = c.GetSignatureStatus(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestGetTransactionNotIndexed(t *testing.T) {
	c := fakeNode(t, map[string]func([]json.RawMessage) (any, *RPCError, any){
		"getTransaction": ok(nil),
	})
	rec, err := c.GetTransaction(context.Background(), "sig")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestReadRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 77})
	}))
	defer srv.Close()

	c, err := Dial(context.Background(), srv.URL)
	require.NoError(t, err)
	defer c.Close()
	c.WithRetry(retry.Policy{Attempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }})

	h, err := c.GetBlockHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(77), h)
	assert.Equal(t, int32(3), calls.Load())
}
