package connection

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fibermon/internal/config"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/retry"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubNode 只响应 get_header 与 get_tip_block_number 的测试节点
type stubNode struct {
	down  atomic.Bool
	calls atomic.Int32
}

func (s *stubNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)
	if s.down.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "get_tip_block_number":
		resp["result"] = "0x2a"
	case "get_header":
		resp["result"] = map[string]interface{}{
			"hash":      "0x" + strings.Repeat("22", 32),
			"number":    "0x1",
			"timestamp": "0x3e8",
			"epoch":     "0x0",
		}
	default:
		resp["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func testSearchKey() models.SearchKey {
	return models.NewExactLockSearchKey(&models.Script{
		CodeHash: common.HexToHash("0x01"),
		HashType: models.HashTypeType,
	}, false)
}

func newTestPool(t *testing.T, nodes ...*config.NodeConfig) *ConnectionPool {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	pool := NewConnectionPool(nodes, PoolConfig{
		Timeout: 2 * time.Second,
		Retry: &retry.RetryConfig{
			MaxAttempts:     1,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			BackoffFactor:   1,
		},
	}, logger)
	require.NoError(t, pool.Initialize(context.Background()))
	t.Cleanup(func() { pool.Close() })
	return pool
}

func startStub(t *testing.T) (*stubNode, string) {
	stub := &stubNode{}
	server := httptest.NewServer(stub)
	t.Cleanup(server.Close)
	return stub, server.URL
}

func TestConnectionPool_PriorityOrder(t *testing.T) {
	_, urlA := startStub(t)
	_, urlB := startStub(t)

	pool := newTestPool(t,
		&config.NodeConfig{Name: "backup", URL: urlB, Priority: 2},
		&config.NodeConfig{Name: "primary", URL: urlA, Priority: 1},
	)

	client, err := pool.GetClient()
	require.NoError(t, err)
	assert.Equal(t, "primary", client.Name())

	stats := pool.GetStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "primary", stats[0].Name)
	assert.Equal(t, "backup", stats[1].Name)
}

func TestConnectionPool_Failover(t *testing.T) {
	primary, urlA := startStub(t)
	backup, urlB := startStub(t)
	primary.down.Store(true)

	pool := newTestPool(t,
		&config.NodeConfig{Name: "primary", URL: urlA, Priority: 1},
		&config.NodeConfig{Name: "backup", URL: urlB, Priority: 2},
	)

	header, err := pool.GetHeader(context.Background(), common.Hash{})
	require.NoError(t, err)
	require.NotNil(t, header)
	assert.Equal(t, uint64(1000), uint64(header.Timestamp))
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(1), backup.calls.Load())

	// 失败节点被标记后，后续请求直接走备用节点
	client, err := pool.GetClient()
	require.NoError(t, err)
	assert.Equal(t, "backup", client.Name())

	_, err = pool.GetHeader(context.Background(), common.Hash{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), primary.calls.Load())
}

func TestConnectionPool_NodeErrorNotFailedOver(t *testing.T) {
	primary, urlA := startStub(t)
	backup, urlB := startStub(t)

	pool := newTestPool(t,
		&config.NodeConfig{Name: "primary", URL: urlA, Priority: 1},
		&config.NodeConfig{Name: "backup", URL: urlB, Priority: 2},
	)

	// 节点返回 JSON-RPC 错误时不切换
	_, err := pool.GetCells(context.Background(), testSearchKey(), models.OrderAsc, 10, "")
	require.Error(t, err)
	assert.True(t, fiberrors.IsType(err, fiberrors.ErrorTypeRPC))
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Equal(t, int32(0), backup.calls.Load())
}

func TestConnectionPool_CheckNow(t *testing.T) {
	primary, urlA := startStub(t)
	pool := newTestPool(t, &config.NodeConfig{Name: "primary", URL: urlA, Priority: 1})

	pool.CheckNow(context.Background())
	stats := pool.GetStats()
	require.Len(t, stats, 1)
	assert.True(t, stats[0].IsHealthy)
	assert.Equal(t, uint64(42), stats[0].TipBlock)
	assert.NotEmpty(t, stats[0].LastCheck)

	primary.down.Store(true)
	pool.CheckNow(context.Background())
	stats = pool.GetStats()
	assert.False(t, stats[0].IsHealthy)
	assert.Equal(t, 1, stats[0].Failures)
}

func TestConnectionPool_NoNodes(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	pool := NewConnectionPool([]*config.NodeConfig{{Name: "empty"}}, PoolConfig{}, logger)
	err := pool.Initialize(context.Background())
	assert.ErrorIs(t, err, fiberrors.ErrNoHealthyNode)

	_, err = pool.GetClient()
	assert.ErrorIs(t, err, fiberrors.ErrNoHealthyNode)
}

func TestNewPoolConfig(t *testing.T) {
	pc := NewPoolConfig(&config.CollectorConfig{
		RetryLimit:          5,
		Timeout:             "3s",
		CacheTTL:            "1m",
		HealthCheckInterval: "10s",
	})
	assert.Equal(t, 3*time.Second, pc.Timeout)
	assert.Equal(t, time.Minute, pc.CacheTTL)
	assert.Equal(t, 10*time.Second, pc.HealthCheck)
	assert.Equal(t, 5, pc.Retry.MaxAttempts)
	// 不修改全局默认值
	assert.Equal(t, 3, retry.NetworkRetryConfig.MaxAttempts)
}
