package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器，批量追踪时用于单项错误隔离
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 阈值设置
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *FiberError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *FiberError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: map[ErrorSeverity]ThresholdConfig{
			SeverityLow:      {MaxErrorsPerHour: 1000},
			SeverityMedium:   {MaxErrorsPerHour: 200},
			SeverityHigh:     {MaxErrorsPerHour: 50},
			SeverityCritical: {MaxErrorsPerHour: 5},
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	return eh
}

// Classify 将任意错误转换为 FiberError
func Classify(err error) *FiberError {
	var fe *FiberError
	if stderrors.As(err, &fe) {
		return fe
	}
	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrorTypeTimeout, SeverityMedium, "TIMEOUT", "操作超时")
	case stderrors.Is(err, context.Canceled):
		return WrapError(err, ErrorTypeSystem, SeverityLow, "CANCELED", "操作已取消")
	default:
		return WrapError(err, ErrorTypeSystem, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}
}

// HandleError 处理错误
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	fiberErr := Classify(err)

	eh.mu.Lock()
	eh.stats.RecordError(fiberErr)
	exceeded := eh.checkThresholdsLocked(fiberErr)
	strategy, exists := eh.strategies[fiberErr.Type]
	eh.mu.Unlock()

	if exceeded {
		eh.logger.Warnf("错误达到阈值限制: %s", fiberErr.Error())
	}

	eh.executeCallbacks(fiberErr)

	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	return strategy.Handle(ctx, fiberErr)
}

// checkThresholdsLocked 检查每小时错误数，调用方需持有锁
func (eh *ErrorHandler) checkThresholdsLocked(err *FiberError) bool {
	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}
	return eh.stats.GetErrorRate(time.Hour) > float64(threshold.MaxErrorsPerHour)
}

// executeCallbacks 同步执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *FiberError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// Handle 按严重级别选择日志级别，批处理中不会退出进程
func (ls *LoggingStrategy) Handle(ctx context.Context, err *FiberError) error {
	logEntry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	})
	if err.TxHash != nil {
		logEntry = logEntry.WithField("tx_hash", *err.TxHash)
	}
	if len(err.Context) > 0 {
		logEntry = logEntry.WithField("context", err.Context)
	}

	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Error())
	case SeverityMedium:
		logEntry.Warn(err.Error())
	default:
		logEntry.Error(err.Error())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 获取错误统计快照
func (eh *ErrorHandler) GetStats() *ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()
	return eh.stats.Clone()
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

// StrategyFunc 函数适配为策略
type StrategyFunc func(ctx context.Context, err *FiberError) error

// Handle 实现 ErrorStrategy
func (f StrategyFunc) Handle(ctx context.Context, err *FiberError) error {
	return f(ctx, err)
}
