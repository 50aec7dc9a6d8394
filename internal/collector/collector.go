package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fibermon/internal/chain"
	fiberrors "fibermon/internal/errors"
	"fibermon/internal/logging"
	"fibermon/internal/metrics"
	"fibermon/internal/output"
	"fibermon/internal/progress"
	"fibermon/internal/validation"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// 采集器常量
const (
	DefaultWorkerCount = 4   // 批量追踪的默认工作协程数
	DefaultPageSize    = 100 // get_cells 默认分页大小
	MaxWorkerCount     = 64  // 批量追踪的最大工作协程数
	maxBalancePages    = 10000
)

// Options 采集器参数
type Options struct {
	CommitmentCodeHash common.Hash
	Concurrency        int // 单笔交易输入解析并发度
	Workers            int // 批量追踪的工作协程数
	PageSize           int
	UDTs               []models.UDTScript
}

// Collector 组合交易摘要、通道追踪与余额查询，并把结果写入输出与进度存储
type Collector struct {
	query            chain.ChainQuery
	builder          *TxMessageBuilder
	tracer           *ChannelDeathTracer
	outputter        output.Output     // 可为空
	progressManager  *progress.Manager // 可为空
	errorHandler     *fiberrors.ErrorHandler
	structuredLogger *logging.StructuredLogger // 可为空
	logger           *logrus.Logger

	workers  int
	pageSize int

	mu   sync.RWMutex
	udts []models.UDTScript
}

// TraceResult 单个通道的追踪结果
type TraceResult struct {
	OpenTxHash common.Hash        `json:"open_tx_hash"`
	Items      []models.TraceItem `json:"items"`
	Error      string             `json:"error,omitempty"`
	err        error
}

// Err 追踪失败的原因
func (r *TraceResult) Err() error {
	return r.err
}

// BatchResult 批量追踪结果
type BatchResult struct {
	Results    []*TraceResult `json:"results"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	TotalSteps int            `json:"total_steps"`
	StartTime  time.Time      `json:"start_time"`
	EndTime    time.Time      `json:"end_time"`
	Duration   time.Duration  `json:"duration"`
}

// NewCollector 创建采集器
func NewCollector(query chain.ChainQuery, opts Options, logger *logrus.Logger) *Collector {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkerCount
	}
	if opts.Workers > MaxWorkerCount {
		opts.Workers = MaxWorkerCount
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	builder := NewTxMessageBuilder(query, opts.CommitmentCodeHash, opts.Concurrency, logger)
	return &Collector{
		query:        query,
		builder:      builder,
		tracer:       NewChannelDeathTracer(query, builder, logger),
		errorHandler: newBatchErrorHandler(logger),
		logger:       logger,
		workers:      opts.Workers,
		pageSize:     opts.PageSize,
		udts:         opts.UDTs,
	}
}

// newBatchErrorHandler 批量追踪的错误处理器
// 交易不存在是单个通道的预期结果，只记 Info
func newBatchErrorHandler(logger *logrus.Logger) *fiberrors.ErrorHandler {
	eh := fiberrors.NewErrorHandler(logger)
	eh.AddCallback(func(err *fiberrors.FiberError) {
		metrics.ErrorRecorded(err.Type.String(), err.Severity.String())
	})
	eh.SetStrategy(fiberrors.ErrorTypeNotFound, fiberrors.StrategyFunc(func(_ context.Context, err *fiberrors.FiberError) error {
		entry := logger.WithField("code", err.Code)
		if err.TxHash != nil {
			entry = entry.WithField("tx_hash", *err.TxHash)
		}
		entry.Info(err.Error())
		return err
	}))
	return eh
}

// SetOutput 设置结果输出器
func (c *Collector) SetOutput(out output.Output) {
	c.outputter = out
}

// SetProgressManager 设置追踪进度存储
func (c *Collector) SetProgressManager(pm *progress.Manager) {
	c.progressManager = pm
}

// SetValidator 设置交易校验器
func (c *Collector) SetValidator(v *validation.Validator) {
	c.builder.SetValidator(v)
}

// SetStructuredLogger 设置结构化日志器
func (c *Collector) SetStructuredLogger(sl *logging.StructuredLogger) {
	c.structuredLogger = sl
}

// SetUDTs 替换已注册的 UDT 列表
func (c *Collector) SetUDTs(udts []models.UDTScript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.udts = udts
}

// UDTs 返回已注册的 UDT 列表
func (c *Collector) UDTs() []models.UDTScript {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.UDTScript, len(c.udts))
	copy(out, c.udts)
	return out
}

// ErrorHandler 批量追踪使用的错误处理器
func (c *Collector) ErrorHandler() *fiberrors.ErrorHandler {
	return c.errorHandler
}

// BuildTxMessage 构建单笔交易摘要并输出
func (c *Collector) BuildTxMessage(ctx context.Context, txHash common.Hash) (*models.TxMessage, error) {
	msg, err := c.builder.Build(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if c.structuredLogger != nil {
		logging.NewTxLogger(c.structuredLogger, txHash.Hex()).Debug("交易摘要已构建",
			"status", msg.Status, "inputs", len(msg.InputCells), "outputs", len(msg.OutputCells), "fee", msg.Fee.String())
	}
	if c.outputter != nil {
		if err := c.outputter.WriteTxMessage(msg); err != nil {
			c.logger.Warnf("输出交易摘要失败: %v", err)
		}
	}
	return msg, nil
}

// Trace 追踪单个通道，progress 为空时只写入进度存储
func (c *Collector) Trace(ctx context.Context, openTxHash common.Hash, progress ProgressFunc) ([]models.TraceItem, error) {
	if c.progressManager != nil {
		if err := c.progressManager.StartTrace(openTxHash); err != nil {
			c.logger.Warnf("记录追踪开始失败: %v", err)
		}
		stored := c.progressManager.Reporter(openTxHash)
		caller := progress
		progress = func(step int, txHash common.Hash) {
			stored(step, txHash)
			if caller != nil {
				caller(step, txHash)
			}
		}
	}

	var traceLogger *logging.FieldLogger
	if c.structuredLogger != nil {
		traceLogger = logging.NewTraceLogger(c.structuredLogger, openTxHash.Hex())
		traceLogger.Info("开始追踪通道")
	}

	start := time.Now()
	items, err := c.tracer.Trace(ctx, openTxHash, progress)
	if err != nil {
		c.finishFailed(openTxHash, items, err)
		if traceLogger != nil {
			traceLogger.Error("通道追踪失败", "steps", len(items), "error", err.Error())
		}
		return items, err
	}

	if c.progressManager != nil {
		if err := c.progressManager.CompleteTrace(openTxHash); err != nil {
			c.logger.Warnf("记录追踪完成失败: %v", err)
		}
	}
	if c.outputter != nil {
		if err := c.outputter.WriteTrace(output.NewTraceRecord(openTxHash, items)); err != nil {
			c.logger.Warnf("输出追踪结果失败: %v", err)
		}
	}
	if traceLogger != nil {
		traceLogger.Info("通道追踪完成", "steps", len(items), "duration_ms", time.Since(start).Milliseconds())
	}
	return items, nil
}

// finishFailed 记录失败进度并输出失败记录
func (c *Collector) finishFailed(openTxHash common.Hash, items []models.TraceItem, err error) {
	if c.progressManager != nil {
		if perr := c.progressManager.FailTrace(openTxHash, err); perr != nil {
			c.logger.Warnf("记录追踪失败状态失败: %v", perr)
		}
	}
	if c.outputter != nil {
		if oerr := c.outputter.WriteTraceError(output.NewTraceErrorRecord(openTxHash, len(items), err)); oerr != nil {
			c.logger.Warnf("输出追踪失败记录失败: %v", oerr)
		}
	}
}

// AccountBalance 分页获取锁脚本下的全部活跃 cell 并汇总余额
func (c *Collector) AccountBalance(ctx context.Context, lock *models.Script) (*models.AccountBalance, error) {
	if lock == nil {
		return nil, fiberrors.NewFiberError(fiberrors.ErrorTypeValidation, fiberrors.SeverityMedium, "INVALID_LOCK", "锁脚本不能为空")
	}

	var balanceLogger *logging.FieldLogger
	if c.structuredLogger != nil {
		balanceLogger = logging.NewBalanceLogger(c.structuredLogger, lock.ArgsHex())
	}

	key := models.NewExactLockSearchKey(lock, true)
	var (
		cells  []models.LiveCell
		cursor string
	)
	for page := 0; page < maxBalancePages; page++ {
		result, err := c.query.GetCells(ctx, key, models.OrderAsc, uint64(c.pageSize), cursor)
		if err != nil {
			return nil, fmt.Errorf("获取第 %d 页 cell 失败: %w", page+1, err)
		}
		if result == nil {
			break
		}
		cells = append(cells, result.Objects...)
		if balanceLogger != nil {
			balanceLogger.Debug("获取 cell 分页", "page", page+1, "cells", len(result.Objects))
		}

		// 游标为空、未前进或本页不满时结束
		if result.LastCursor == "" || result.LastCursor == cursor || len(result.Objects) < c.pageSize {
			break
		}
		cursor = result.LastCursor
	}

	balance := ComputeBalance(cells, c.UDTs())
	if c.outputter != nil {
		record := &output.BalanceRecord{Lock: lock, Balance: balance, QueriedAt: time.Now().UTC()}
		if err := c.outputter.WriteBalance(record); err != nil {
			c.logger.Warnf("输出余额失败: %v", err)
		}
	}
	return balance, nil
}

// TraceBatch 用工作池并发追踪多个通道，单个通道失败不影响其他通道
func (c *Collector) TraceBatch(ctx context.Context, openTxHashes []common.Hash) (*BatchResult, error) {
	result := &BatchResult{
		Results:   make([]*TraceResult, len(openTxHashes)),
		StartTime: time.Now(),
	}
	if len(openTxHashes) == 0 {
		result.EndTime = result.StartTime
		return result, nil
	}

	workers := c.workers
	if workers > len(openTxHashes) {
		workers = len(openTxHashes)
	}
	c.logger.Infof("开始批量追踪 %d 个通道，使用 %d 个工作者", len(openTxHashes), workers)

	taskChan := make(chan int, workers*2)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.worker(ctx, openTxHashes, taskChan, result.Results, &wg)
	}

	go func() {
		defer close(taskChan)
		for i := range openTxHashes {
			select {
			case taskChan <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	for i, r := range result.Results {
		if r == nil {
			// 取消后未被处理的通道
			r = &TraceResult{OpenTxHash: openTxHashes[i], err: ctx.Err()}
			if r.err != nil {
				r.Error = r.err.Error()
			}
			result.Results[i] = r
		}
		if r.err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
		result.TotalSteps += len(r.Items)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	c.logger.Infof("批量追踪完成: 成功 %d，失败 %d，共 %d 步，耗时 %v",
		result.Succeeded, result.Failed, result.TotalSteps, result.Duration)

	return result, ctx.Err()
}

// worker 处理追踪任务，结果按下标写入
func (c *Collector) worker(ctx context.Context, hashes []common.Hash, taskChan <-chan int, results []*TraceResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for i := range taskChan {
		select {
		case <-ctx.Done():
			return
		default:
		}

		openTxHash := hashes[i]
		items, err := c.Trace(ctx, openTxHash, nil)
		r := &TraceResult{OpenTxHash: openTxHash, Items: items}
		if err != nil {
			handled := c.errorHandler.HandleError(ctx, fiberrors.Classify(err).WithComponent("collector").WithTxHash(openTxHash.Hex()))
			if handled == nil {
				handled = err
			}
			r.err = handled
			r.Error = handled.Error()
		}
		results[i] = r
	}
}
