package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	fiberrors "fibermon/internal/errors"
	"fibermon/internal/retry"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpcHandler 返回 result 或 JSON-RPC 错误
type rpcHandler func(params []json.RawMessage) (interface{}, *rpcErrorBody)

// fakeNode 按方法名分派的 JSON-RPC 测试节点
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
	params   map[string][]json.RawMessage
	status   int
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		handlers: make(map[string]rpcHandler),
		calls:    make(map[string]int),
		params:   make(map[string][]json.RawMessage),
	}
}

func (f *fakeNode) handle(method string, h rpcHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
}

func (f *fakeNode) result(method string, v interface{}) {
	f.handle(method, func([]json.RawMessage) (interface{}, *rpcErrorBody) { return v, nil })
}

func (f *fakeNode) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

func (f *fakeNode) lastParams(method string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[method]
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.calls[req.Method]++
	f.params[req.Method] = req.Params
	h := f.handlers[req.Method]
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	if h == nil {
		resp["error"] = rpcErrorBody{Code: -32601, Message: "method not found"}
	} else if result, rpcErr := h(req.Params); rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func newTestClient(t *testing.T, node *fakeNode, cacheTTL time.Duration) *Client {
	server := httptest.NewServer(node)
	t.Cleanup(server.Close)

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	client, err := NewClient(context.Background(), ClientConfig{
		Name:     "test",
		URL:      server.URL,
		Timeout:  5 * time.Second,
		CacheTTL: cacheTTL,
		Retry: &retry.RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			BackoffFactor:   1,
		},
	}, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

var (
	testTxHash    = common.HexToHash("0x" + strings.Repeat("11", 32))
	testBlockHash = common.HexToHash("0x" + strings.Repeat("22", 32))
	testCodeHash  = "0x" + strings.Repeat("33", 32)
)

func committedTxJSON() map[string]interface{} {
	return map[string]interface{}{
		"transaction": map[string]interface{}{
			"hash": testTxHash.Hex(),
			"inputs": []interface{}{
				map[string]interface{}{
					"previous_output": map[string]interface{}{"tx_hash": testBlockHash.Hex(), "index": "0x1"},
					"since":           "0x0",
				},
			},
			"outputs": []interface{}{
				map[string]interface{}{
					"capacity": "0x3e8",
					"lock":     map[string]interface{}{"code_hash": testCodeHash, "hash_type": "type", "args": "0xabcd"},
					"type":     nil,
				},
			},
			"outputs_data": []string{"0x"},
			"witnesses":    []string{"0x1234"},
		},
		"tx_status": map[string]interface{}{"block_hash": testBlockHash.Hex(), "status": "committed"},
	}
}

func TestClient_GetTransaction(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetTransaction, committedTxJSON())
	client := newTestClient(t, node, 0)

	tx, err := client.GetTransaction(context.Background(), testTxHash)
	require.NoError(t, err)
	require.NotNil(t, tx)

	assert.True(t, tx.IsCommitted())
	require.Len(t, tx.Transaction.Outputs, 1)
	out := tx.Transaction.Outputs[0]
	assert.Equal(t, uint64(1000), uint64(out.Capacity))
	assert.Equal(t, common.HexToHash(testCodeHash), out.Lock.CodeHash)
	assert.Equal(t, []byte{0xab, 0xcd}, []byte(out.Lock.Args))
	assert.Nil(t, out.Type)
	assert.Equal(t, uint64(1), uint64(tx.Transaction.Inputs[0].PreviousOutput.Index))

	// 参数按十六进制哈希发送
	var sent string
	require.NoError(t, json.Unmarshal(node.lastParams(MethodGetTransaction)[0], &sent))
	assert.Equal(t, testTxHash.Hex(), sent)
}

func TestClient_GetTransaction_NotFound(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetTransaction, nil)
	client := newTestClient(t, node, 0)

	tx, err := client.GetTransaction(context.Background(), testTxHash)
	assert.NoError(t, err)
	assert.Nil(t, tx)

	node.result(MethodGetTransaction, map[string]interface{}{
		"transaction": nil,
		"tx_status":   map[string]interface{}{"block_hash": nil, "status": "unknown"},
	})
	tx, err = client.GetTransaction(context.Background(), testTxHash)
	assert.NoError(t, err)
	assert.Nil(t, tx)
}

func TestClient_GetTransaction_InvalidShape(t *testing.T) {
	body := committedTxJSON()
	body["transaction"].(map[string]interface{})["outputs_data"] = []string{}

	node := newFakeNode()
	node.result(MethodGetTransaction, body)
	client := newTestClient(t, node, 0)

	_, err := client.GetTransaction(context.Background(), testTxHash)
	require.Error(t, err)
	assert.True(t, fiberrors.IsType(err, fiberrors.ErrorTypeDecoding))
}

func TestClient_GetTransaction_Cached(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetTransaction, committedTxJSON())
	client := newTestClient(t, node, time.Minute)

	for i := 0; i < 3; i++ {
		tx, err := client.GetTransaction(context.Background(), testTxHash)
		require.NoError(t, err)
		require.NotNil(t, tx)
	}
	assert.Equal(t, 1, node.callCount(MethodGetTransaction))
}

func TestClient_GetHeader(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetHeader, map[string]interface{}{
		"hash":      testBlockHash.Hex(),
		"number":    "0x64",
		"timestamp": "0x18c8d0a7a00",
		"epoch":     "0x0",
	})
	client := newTestClient(t, node, 0)

	header, err := client.GetHeader(context.Background(), testBlockHash)
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, uint64(100), uint64(header.Number))
	assert.Equal(t, uint64(0x18c8d0a7a00), uint64(header.Timestamp))

	node.result(MethodGetHeader, nil)
	header, err = client.GetHeader(context.Background(), testBlockHash)
	assert.NoError(t, err)
	assert.Nil(t, header)
}

func TestClient_GetTransactions_HexParams(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetTransactions, map[string]interface{}{
		"objects": []interface{}{
			map[string]interface{}{"tx_hash": testTxHash.Hex(), "block_number": "0x1", "tx_index": "0x0", "io_index": "0x0", "io_type": "output"},
		},
		"last_cursor": "0xdead",
	})
	client := newTestClient(t, node, 0)

	lock := &models.Script{CodeHash: common.HexToHash(testCodeHash), HashType: models.HashTypeType, Args: []byte{1}}
	page, err := client.GetTransactions(context.Background(), models.NewExactLockSearchKey(lock, false), models.OrderAsc, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, testTxHash, page.Objects[0].TxHash)
	assert.Equal(t, "0xdead", page.LastCursor)

	params := node.lastParams(MethodGetTransactions)
	require.Len(t, params, 4)

	var key map[string]interface{}
	require.NoError(t, json.Unmarshal(params[0], &key))
	assert.Equal(t, "lock", key["script_type"])
	assert.Equal(t, "exact", key["script_search_mode"])
	assert.Equal(t, `"asc"`, string(params[1]))
	assert.Equal(t, `"0xa"`, string(params[2]))
	assert.Equal(t, `null`, string(params[3]))
}

func TestClient_GetCells(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetCells, map[string]interface{}{
		"objects": []interface{}{
			map[string]interface{}{
				"output": map[string]interface{}{
					"capacity": "0x1f4",
					"lock":     map[string]interface{}{"code_hash": testCodeHash, "hash_type": "type", "args": "0x"},
				},
				"output_data":  "0x",
				"out_point":    map[string]interface{}{"tx_hash": testTxHash.Hex(), "index": "0x0"},
				"block_number": "0x5",
			},
		},
		"last_cursor": "",
	})
	client := newTestClient(t, node, 0)

	lock := &models.Script{CodeHash: common.HexToHash(testCodeHash), HashType: models.HashTypeType}
	page, err := client.GetCells(context.Background(), models.NewExactLockSearchKey(lock, true), models.OrderAsc, 0, "0xcursor")
	require.NoError(t, err)
	require.Len(t, page.Objects, 1)
	assert.Equal(t, uint64(500), uint64(page.Objects[0].Output.Capacity))

	params := node.lastParams(MethodGetCells)
	assert.Equal(t, `"0x64"`, string(params[2]))
	assert.Equal(t, `"0xcursor"`, string(params[3]))
}

func TestClient_RPCErrorNotRetried(t *testing.T) {
	node := newFakeNode()
	node.handle(MethodGetHeader, func([]json.RawMessage) (interface{}, *rpcErrorBody) {
		return nil, &rpcErrorBody{Code: -32602, Message: "invalid params"}
	})
	client := newTestClient(t, node, 0)

	_, err := client.GetHeader(context.Background(), testBlockHash)
	require.Error(t, err)
	assert.True(t, fiberrors.IsType(err, fiberrors.ErrorTypeRPC))
	assert.Equal(t, 1, node.callCount(MethodGetHeader))
}

func TestClient_HTTP503Retried(t *testing.T) {
	node := newFakeNode()
	node.status = http.StatusServiceUnavailable
	client := newTestClient(t, node, 0)

	_, err := client.GetTipBlockNumber(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, node.callCount(MethodGetTipBlockNumber))
}

func TestClient_GetTipBlockNumber(t *testing.T) {
	node := newFakeNode()
	node.result(MethodGetTipBlockNumber, "0x10")
	client := newTestClient(t, node, 0)

	tip, err := client.GetTipBlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(16), tip)
}

func TestNewClient_EmptyURL(t *testing.T) {
	_, err := NewClient(context.Background(), ClientConfig{}, logrus.New())
	assert.True(t, fiberrors.IsType(err, fiberrors.ErrorTypeConfig))
}
