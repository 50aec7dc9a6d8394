package connection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fibermon/internal/chain"
	"fibermon/internal/config"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/metrics"
	"fibermon/internal/retry"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// PoolConfig 连接池配置
type PoolConfig struct {
	Timeout     time.Duration
	CacheTTL    time.Duration
	HealthCheck time.Duration
	Retry       *retry.RetryConfig
}

// NewPoolConfig 从采集器配置生成连接池配置
func NewPoolConfig(c *config.CollectorConfig) PoolConfig {
	timeout, cacheTTL, healthCheck := c.Durations()
	retryConfig := *retry.NetworkRetryConfig
	if c.RetryLimit > 0 {
		retryConfig.MaxAttempts = c.RetryLimit
	}
	return PoolConfig{
		Timeout:     timeout,
		CacheTTL:    cacheTTL,
		HealthCheck: healthCheck,
		Retry:       &retryConfig,
	}
}

// ConnectionPool 多节点连接池，按优先级选择健康节点并在失败时切换
type ConnectionPool struct {
	nodes  []*NodePool
	config PoolConfig
	logger *logrus.Logger

	mu     sync.RWMutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NodePool 单个节点
type NodePool struct {
	nodeConfig *config.NodeConfig
	client     *chain.Client

	mu        sync.Mutex
	isHealthy bool
	lastCheck time.Time
	lastTip   uint64
	failures  int
}

// NodeStats 节点状态快照
type NodeStats struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Priority  int    `json:"priority"`
	IsHealthy bool   `json:"is_healthy"`
	LastCheck string `json:"last_check,omitempty"`
	TipBlock  uint64 `json:"tip_block"`
	Failures  int    `json:"failures"`
}

var _ chain.ChainQuery = (*ConnectionPool)(nil)

// NewConnectionPool 创建连接池
func NewConnectionPool(nodes []*config.NodeConfig, poolConfig PoolConfig, logger *logrus.Logger) *ConnectionPool {
	sorted := make([]*config.NodeConfig, len(nodes))
	copy(sorted, nodes)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	cp := &ConnectionPool{
		config: poolConfig,
		logger: logger,
	}
	for _, node := range sorted {
		cp.nodes = append(cp.nodes, &NodePool{nodeConfig: node, isHealthy: true})
	}
	return cp
}

// Initialize 为每个节点建立客户端并启动健康检查
func (cp *ConnectionPool) Initialize(ctx context.Context) error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	var ready []*NodePool
	for _, np := range cp.nodes {
		client, err := chain.NewClient(ctx, chain.ClientConfig{
			Name:      np.nodeConfig.Name,
			URL:       np.nodeConfig.URL,
			RateLimit: np.nodeConfig.RateLimit,
			Timeout:   cp.config.Timeout,
			CacheTTL:  cp.config.CacheTTL,
			Retry:     cp.config.Retry,
		}, cp.logger)
		if err != nil {
			cp.logger.Warnf("初始化节点 %s 失败: %v", np.nodeConfig.Name, err)
			continue
		}
		np.client = client
		ready = append(ready, np)
		metrics.SetNodeHealthy(np.nodeConfig.Name, true)
		cp.logger.Infof("节点 %s 已初始化", np.nodeConfig.Name)
	}

	if len(ready) == 0 {
		return fiberrors.ErrNoHealthyNode
	}
	cp.nodes = ready

	if cp.config.HealthCheck > 0 {
		checkCtx, cancel := context.WithCancel(context.Background())
		cp.cancel = cancel
		cp.wg.Add(1)
		go cp.healthChecker(checkCtx)
	}

	return nil
}

// GetClient 返回优先级最高的健康节点
func (cp *ConnectionPool) GetClient() (*chain.Client, error) {
	candidates := cp.candidates()
	if len(candidates) == 0 {
		return nil, fiberrors.ErrNoHealthyNode
	}
	return candidates[0].client, nil
}

// candidates 健康节点在前，其余节点按优先级排在后面作为兜底
func (cp *ConnectionPool) candidates() []*NodePool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var healthy, unhealthy []*NodePool
	for _, np := range cp.nodes {
		if np.client == nil {
			continue
		}
		if np.IsHealthy() {
			healthy = append(healthy, np)
		} else {
			unhealthy = append(unhealthy, np)
		}
	}
	return append(healthy, unhealthy...)
}

// execute 依次在候选节点上执行，节点级错误时切换到下一个节点
func (cp *ConnectionPool) execute(ctx context.Context, fn func(client *chain.Client) error) error {
	candidates := cp.candidates()
	if len(candidates) == 0 {
		return fiberrors.ErrNoHealthyNode
	}

	var lastErr error
	for _, np := range candidates {
		err := fn(np.client)
		if err == nil {
			np.markHealthy()
			return nil
		}
		if ctx.Err() != nil || !isNodeFailure(err) {
			return err
		}

		lastErr = err
		np.markUnhealthy()
		metrics.SetNodeHealthy(np.nodeConfig.Name, false)
		cp.logger.WithField("node", np.nodeConfig.Name).Warnf("节点调用失败，切换节点: %v", err)
	}
	return lastErr
}

// isNodeFailure 只有网络类错误才触发切换，节点返回的业务错误与解码错误直接上抛
func isNodeFailure(err error) bool {
	if fiberrors.IsType(err, fiberrors.ErrorTypeDecoding) || fiberrors.IsType(err, fiberrors.ErrorTypeValidation) {
		return false
	}
	return retry.IsRetryableError(err)
}

// GetTransaction 实现 chain.ChainQuery
func (cp *ConnectionPool) GetTransaction(ctx context.Context, txHash common.Hash) (*models.TransactionWithStatus, error) {
	var result *models.TransactionWithStatus
	err := cp.execute(ctx, func(client *chain.Client) error {
		var err error
		result, err = client.GetTransaction(ctx, txHash)
		return err
	})
	return result, err
}

// GetHeader 实现 chain.ChainQuery
func (cp *ConnectionPool) GetHeader(ctx context.Context, blockHash common.Hash) (*models.Header, error) {
	var result *models.Header
	err := cp.execute(ctx, func(client *chain.Client) error {
		var err error
		result, err = client.GetHeader(ctx, blockHash)
		return err
	})
	return result, err
}

// GetTransactions 实现 chain.ChainQuery
func (cp *ConnectionPool) GetTransactions(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.TxPage, error) {
	var result *models.TxPage
	err := cp.execute(ctx, func(client *chain.Client) error {
		var err error
		result, err = client.GetTransactions(ctx, key, order, limit, after)
		return err
	})
	return result, err
}

// GetCells 实现 chain.ChainQuery
func (cp *ConnectionPool) GetCells(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.CellPage, error) {
	var result *models.CellPage
	err := cp.execute(ctx, func(client *chain.Client) error {
		var err error
		result, err = client.GetCells(ctx, key, order, limit, after)
		return err
	})
	return result, err
}

// IsHealthy 节点是否健康
func (np *NodePool) IsHealthy() bool {
	np.mu.Lock()
	defer np.mu.Unlock()
	return np.isHealthy
}

func (np *NodePool) markHealthy() {
	np.mu.Lock()
	defer np.mu.Unlock()
	np.isHealthy = true
	np.failures = 0
}

func (np *NodePool) markUnhealthy() {
	np.mu.Lock()
	defer np.mu.Unlock()
	np.isHealthy = false
	np.failures++
}

// check 通过最新区块号探测节点
func (np *NodePool) check(ctx context.Context, timeout time.Duration) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tip, err := np.client.GetTipBlockNumber(checkCtx)

	np.mu.Lock()
	defer np.mu.Unlock()
	np.lastCheck = time.Now()
	if err != nil {
		np.isHealthy = false
		np.failures++
	} else {
		np.isHealthy = true
		np.failures = 0
		np.lastTip = tip
	}
	metrics.SetNodeHealthy(np.nodeConfig.Name, np.isHealthy)
	return np.isHealthy
}

// CheckNow 立即对所有节点执行一次健康检查
func (cp *ConnectionPool) CheckNow(ctx context.Context) {
	cp.mu.RLock()
	nodes := make([]*NodePool, len(cp.nodes))
	copy(nodes, cp.nodes)
	cp.mu.RUnlock()

	timeout := cp.config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for _, np := range nodes {
		if np.client == nil {
			continue
		}
		if np.check(ctx, timeout) {
			cp.logger.Debugf("节点 %s 健康检查通过", np.nodeConfig.Name)
		} else {
			cp.logger.Warnf("节点 %s 健康检查失败", np.nodeConfig.Name)
		}
	}
}

// healthChecker 健康检查器
func (cp *ConnectionPool) healthChecker(ctx context.Context) {
	defer cp.wg.Done()

	ticker := time.NewTicker(cp.config.HealthCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cp.CheckNow(ctx)
		}
	}
}

// GetStats 获取节点状态
func (cp *ConnectionPool) GetStats() []NodeStats {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	stats := make([]NodeStats, 0, len(cp.nodes))
	for _, np := range cp.nodes {
		np.mu.Lock()
		s := NodeStats{
			Name:      np.nodeConfig.Name,
			URL:       np.nodeConfig.URL,
			Priority:  np.nodeConfig.Priority,
			IsHealthy: np.isHealthy,
			TipBlock:  np.lastTip,
			Failures:  np.failures,
		}
		if !np.lastCheck.IsZero() {
			s.LastCheck = np.lastCheck.Format(time.RFC3339)
		}
		np.mu.Unlock()
		stats = append(stats, s)
	}
	return stats
}

// Close 停止健康检查并关闭所有客户端
func (cp *ConnectionPool) Close() error {
	if cp.cancel != nil {
		cp.cancel()
	}
	cp.wg.Wait()

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, np := range cp.nodes {
		if np.client != nil {
			np.client.Close()
			np.client = nil
		}
	}

	cp.logger.Info("连接池已关闭")
	return nil
}

// String 便于日志输出
func (s NodeStats) String() string {
	return fmt.Sprintf("%s(%s) healthy=%t tip=%d", s.Name, s.URL, s.IsHealthy, s.TipBlock)
}
