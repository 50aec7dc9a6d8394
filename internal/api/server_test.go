package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fibermon/internal/collector"
	"fibermon/internal/config"
	"fibermon/internal/connection"
	"fibermon/internal/progress"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	knownTx     = common.HexToHash("0x" + strings.Repeat("11", 32))
	udtCodeHash = "0x" + strings.Repeat("5d", 32)
)

// stubChain 只包含一笔无输入交易与一页 cell
type stubChain struct{}

func (stubChain) GetTransaction(_ context.Context, h common.Hash) (*models.TransactionWithStatus, error) {
	if h != knownTx {
		return nil, nil
	}
	lock := &models.Script{HashType: models.HashTypeType, Args: hexutil.Bytes{0x01}}
	return &models.TransactionWithStatus{
		Transaction: &models.Transaction{
			Hash:        knownTx,
			Outputs:     []models.CellOutput{{Capacity: 700, Lock: lock}},
			OutputsData: []hexutil.Bytes{{}},
		},
		TxStatus: models.TxStatus{Status: "pending"},
	}, nil
}

func (stubChain) GetHeader(context.Context, common.Hash) (*models.Header, error) {
	return nil, nil
}

func (stubChain) GetTransactions(context.Context, models.SearchKey, models.Order, uint64, string) (*models.TxPage, error) {
	return &models.TxPage{}, nil
}

func (stubChain) GetCells(context.Context, models.SearchKey, models.Order, uint64, string) (*models.CellPage, error) {
	return &models.CellPage{Objects: []models.LiveCell{{Output: models.CellOutput{Capacity: 500}}}}, nil
}

type stubNodes struct {
	stats  []connection.NodeStats
	checks int
}

func (s *stubNodes) GetStats() []connection.NodeStats { return s.stats }

func (s *stubNodes) CheckNow(context.Context) { s.checks++ }

func newTestServer(t *testing.T, pm *progress.Manager) (*Server, *collector.Collector, *logrus.Logger) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := collector.NewCollector(stubChain{}, collector.Options{PageSize: 10}, logger)
	nodes := &stubNodes{stats: []connection.NodeStats{{Name: "n1", URL: "http://n1", Priority: 1, IsHealthy: true, TipBlock: 42}}}
	s := NewServer(Dependencies{Collector: c, Nodes: nodes, Progress: pm}, logger, 0, 10)
	return s, c, logger
}

func do(t *testing.T, s *Server, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var decoded map[string]interface{}
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	}
	return w, decoded
}

func TestHealthAndNodes(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["healthy_nodes"])

	w, body = do(t, s, http.MethodGet, "/api/v1/nodes", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])
	nodes := body["nodes"].([]interface{})
	assert.Equal(t, "n1", nodes[0].(map[string]interface{})["name"])

	w, body = do(t, s, http.MethodPost, "/api/v1/nodes/check", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["healthy"])
	assert.Equal(t, 1, s.nodes.(*stubNodes).checks)
}

func TestGetTxMessage(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w, body := do(t, s, http.MethodGet, "/api/v1/tx/"+knownTx.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.BlockNumberPending, body["block_number"])
	assert.Equal(t, float64(-700), body["fee"])

	w, body = do(t, s, http.MethodGet, "/api/v1/tx/0x1234", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Validation", body["error_type"])

	w, _ = do(t, s, http.MethodGet, "/api/v1/tx/0x"+strings.Repeat("ee", 32), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTraceChannel(t *testing.T) {
	pm, err := progress.NewManager(t.TempDir()+"/progress.db", logrus.New())
	require.NoError(t, err)
	defer pm.Close()
	s, _, _ := newTestServer(t, pm)

	w, body := do(t, s, http.MethodGet, "/api/v1/channels/"+knownTx.Hex()+"/trace", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["steps"])

	w, body = do(t, s, http.MethodGet, "/api/v1/traces", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, _ = do(t, s, http.MethodGet, "/api/v1/traces?status=failed", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/v1/traces/"+knownTx.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, progress.StatusCompleted, body["status"])

	w, _ = do(t, s, http.MethodGet, "/api/v1/traces/0x"+strings.Repeat("ee", 32), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTraceChannels_Batch(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/channels/trace", map[string]interface{}{
		"hashes": []string{knownTx.Hex(), "0x" + strings.Repeat("ee", 32)},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["succeeded"])
	assert.Equal(t, float64(1), body["failed"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/channels/trace", map[string]interface{}{"hashes": []string{"bad"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = do(t, s, http.MethodGet, "/api/v1/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total_errors"])

	w, _ = do(t, s, http.MethodDelete, "/api/v1/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	_, body = do(t, s, http.MethodGet, "/api/v1/errors", nil)
	assert.Equal(t, float64(0), body["total_errors"])
}

func TestTracesWithoutProgress(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodGet, "/api/v1/traces", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetBalance(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w, body := do(t, s, http.MethodPost, "/api/v1/balance", balanceRequest{
		CodeHash: "0x" + strings.Repeat("9b", 32),
		HashType: "type",
		Args:     "0xa1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(500), body["ckb_balance"])
	assert.Equal(t, float64(1), body["ckb_cell_count"])

	w, _ = do(t, s, http.MethodPost, "/api/v1/balance", balanceRequest{
		CodeHash: "0x" + strings.Repeat("9b", 32),
		HashType: "bogus",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodPost, "/api/v1/balance", balanceRequest{CodeHash: "0x12", HashType: "type"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUDTRegistry(t *testing.T) {
	s, c, _ := newTestServer(t, nil)

	w, _ := do(t, s, http.MethodPut, "/api/v1/udts", config.UDTConfig{
		Name: "RUSD", CodeHash: udtCodeHash, HashType: "type", Args: "0x01",
	})
	require.Equal(t, http.StatusOK, w.Code)

	udts := c.UDTs()
	require.Len(t, udts, 1)
	assert.Equal(t, "RUSD", udts[0].Name)

	w, body := do(t, s, http.MethodGet, "/api/v1/udts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, _ = do(t, s, http.MethodPut, "/api/v1/udts", config.UDTConfig{Name: "bad", CodeHash: "0x12", HashType: "type"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, s, http.MethodDelete, "/api/v1/udts/RUSD", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, c.UDTs())

	w, _ = do(t, s, http.MethodDelete, "/api/v1/udts/RUSD", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLogsEndpoint(t *testing.T) {
	s, _, logger := newTestServer(t, nil)
	logger.Info("第一条")
	logger.WithField("tx", "0x01").Warn("第二条")

	w, body := do(t, s, http.MethodGet, "/api/v1/logs?level=warning", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, _ = do(t, s, http.MethodDelete, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.logManager.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	w, _ := do(t, s, http.MethodOptions, "/api/v1/udts", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLogManager_RingBuffer(t *testing.T) {
	lm := NewLogManager(3)
	for i, msg := range []string{"a", "b", "c", "d"} {
		lm.AddLog(&logrus.Entry{Time: time.Unix(int64(i), 0), Level: logrus.InfoLevel, Message: msg})
	}

	logs, total := lm.GetLogsWithPagination("", 1, 10)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 3)
	assert.Equal(t, "d", logs[0].Message)
	assert.Equal(t, "b", logs[2].Message)

	logs, total = lm.GetLogsWithPagination("", 2, 2)
	assert.Equal(t, 3, total)
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].Message)

	logs, _ = lm.GetLogsWithPagination("", 5, 2)
	assert.Empty(t, logs)
}

func TestLogManager_ErrorFields(t *testing.T) {
	lm := NewLogManager(2)
	lm.AddLog(&logrus.Entry{Level: logrus.ErrorLevel, Message: "x", Data: logrus.Fields{"error": io.EOF}})

	logs, _ := lm.GetLogsWithPagination("error", 1, 10)
	require.Len(t, logs, 1)
	assert.Equal(t, "EOF", logs[0].Fields["error"])
}
