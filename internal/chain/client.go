package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	fiberrors "fibermon/internal/errors"
	"fibermon/internal/metrics"
	"fibermon/internal/retry"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ClientConfig 单个节点客户端配置
type ClientConfig struct {
	Name      string
	URL       string
	RateLimit int           // 每秒请求数，0 表示不限制
	Timeout   time.Duration // 单次调用超时
	CacheTTL  time.Duration // 已上链交易缓存时间，0 表示不缓存
	Retry     *retry.RetryConfig
}

// Client 基于 JSON-RPC 的链查询客户端
type Client struct {
	config  ClientConfig
	rpc     *rpc.Client
	limiter *rate.Limiter
	retrier *retry.Retrier
	txCache *ttlcache.Cache[common.Hash, *models.TransactionWithStatus]
	logger  *logrus.Logger
}

var _ ChainQuery = (*Client)(nil)

// NewClient 创建客户端并建立连接
func NewClient(ctx context.Context, config ClientConfig, logger *logrus.Logger) (*Client, error) {
	if config.URL == "" {
		return nil, fiberrors.NewFiberError(fiberrors.ErrorTypeConfig, fiberrors.SeverityCritical, "CONFIG_INVALID", "节点URL为空")
	}
	if config.Name == "" {
		config.Name = config.URL
	}

	httpClient := &http.Client{Timeout: config.Timeout}
	rpcClient, err := rpc.DialOptions(ctx, config.URL, rpc.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fiberrors.WrapError(err, fiberrors.ErrorTypeConnection, fiberrors.SeverityHigh,
			"DIAL_FAILED", "连接节点失败").WithContext("node", config.Name)
	}

	c := &Client{
		config:  config,
		rpc:     rpcClient,
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  logger,
	}

	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), config.RateLimit)
	}

	retryConfig := config.Retry
	if retryConfig == nil {
		retryConfig = retry.NetworkRetryConfig
	}
	c.retrier = retry.NewRetrier(retryConfig, logger)

	if config.CacheTTL > 0 {
		c.txCache = ttlcache.New[common.Hash, *models.TransactionWithStatus](
			ttlcache.WithTTL[common.Hash, *models.TransactionWithStatus](config.CacheTTL),
			ttlcache.WithDisableTouchOnHit[common.Hash, *models.TransactionWithStatus](),
		)
		go c.txCache.Start()
	}

	return c, nil
}

// Name 节点名称
func (c *Client) Name() string {
	return c.config.Name
}

// URL 节点地址
func (c *Client) URL() string {
	return c.config.URL
}

// Close 关闭连接并停止缓存清理
func (c *Client) Close() {
	if c.txCache != nil {
		c.txCache.Stop()
	}
	c.rpc.Close()
}

// call 限流、重试并记录指标
func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return c.retrier.Execute(ctx, method, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		callCtx := ctx
		if c.config.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
			defer cancel()
		}

		start := time.Now()
		err := c.rpc.CallContext(callCtx, result, method, args...)
		metrics.ObserveRPC(c.config.Name, method, start, err)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"node":   c.config.Name,
				"method": method,
			}).Debugf("RPC调用失败: %v", err)
			return classifyRPCError(method, err)
		}
		return nil
	})
}

// classifyRPCError 区分节点返回的错误、HTTP错误、解码错误与网络错误
func classifyRPCError(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fiberrors.NewRPCError(method, err, false).WithContext("code", rpcErr.ErrorCode())
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		retryable := httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
		return fiberrors.NewRPCError(method, err, retryable).WithContext("status", httpErr.StatusCode)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fiberrors.NewDecodingError(method, err)
	}

	return fiberrors.NewRPCError(method, err, true)
}

// GetTransaction 获取交易及其状态
func (c *Client) GetTransaction(ctx context.Context, txHash common.Hash) (*models.TransactionWithStatus, error) {
	if c.txCache != nil {
		if item := c.txCache.Get(txHash); item != nil {
			metrics.TxCacheHit()
			return item.Value(), nil
		}
		metrics.TxCacheMiss()
	}

	var result *models.TransactionWithStatus
	if err := c.call(ctx, &result, MethodGetTransaction, txHash); err != nil {
		return nil, err
	}

	// 节点对未知交易返回 null 或 transaction 为空
	if result == nil || result.Transaction == nil {
		if result != nil && result.TxStatus.Status != "" &&
			result.TxStatus.Status != txStatusUnknown && result.TxStatus.Status != txStatusRejected {
			return nil, fiberrors.NewDecodingError(MethodGetTransaction, fmt.Errorf("状态为 %s 的交易缺少 transaction 字段", result.TxStatus.Status))
		}
		return nil, nil
	}

	if err := result.Validate(); err != nil {
		return nil, fiberrors.NewDecodingError(MethodGetTransaction, err).WithTxHash(txHash.Hex())
	}

	if c.txCache != nil && result.IsCommitted() {
		c.txCache.Set(txHash, result, ttlcache.DefaultTTL)
	}

	return result, nil
}

// GetHeader 获取区块头
func (c *Client) GetHeader(ctx context.Context, blockHash common.Hash) (*models.Header, error) {
	var result *models.Header
	if err := c.call(ctx, &result, MethodGetHeader, blockHash); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTransactions 按脚本查询交易
func (c *Client) GetTransactions(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.TxPage, error) {
	if key.Script == nil {
		return nil, fiberrors.NewFiberError(fiberrors.ErrorTypeValidation, fiberrors.SeverityMedium, "INVALID_SEARCH_KEY", "查询键缺少脚本")
	}
	if limit == 0 {
		limit = defaultIndexerQueryLimit
	}

	var result *models.TxPage
	if err := c.call(ctx, &result, MethodGetTransactions, key, order, hexutil.Uint64(limit), cursorParam(after)); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fiberrors.NewDecodingError(MethodGetTransactions, errors.New("返回结果为空"))
	}
	return result, nil
}

// GetCells 按脚本分页查询活跃 cell
func (c *Client) GetCells(ctx context.Context, key models.SearchKey, order models.Order, limit uint64, after string) (*models.CellPage, error) {
	if key.Script == nil {
		return nil, fiberrors.NewFiberError(fiberrors.ErrorTypeValidation, fiberrors.SeverityMedium, "INVALID_SEARCH_KEY", "查询键缺少脚本")
	}
	if limit == 0 {
		limit = defaultIndexerQueryLimit
	}

	var result *models.CellPage
	if err := c.call(ctx, &result, MethodGetCells, key, order, hexutil.Uint64(limit), cursorParam(after)); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fiberrors.NewDecodingError(MethodGetCells, errors.New("返回结果为空"))
	}
	if err := result.Validate(); err != nil {
		return nil, fiberrors.NewDecodingError(MethodGetCells, err)
	}
	return result, nil
}

// GetTipBlockNumber 获取最新区块号，用于节点健康检查
func (c *Client) GetTipBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := c.call(ctx, &result, MethodGetTipBlockNumber); err != nil {
		return 0, err
	}
	return uint64(result), nil
}

// cursorParam 空游标编码为 null
func cursorParam(after string) interface{} {
	if after == "" {
		return nil
	}
	return after
}
