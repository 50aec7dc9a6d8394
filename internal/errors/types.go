package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 网络相关错误
	ErrorTypeNetwork ErrorType = iota
	ErrorTypeConnection
	ErrorTypeTimeout
	ErrorTypeRateLimit
	ErrorTypeRPC

	// 链上数据相关错误
	ErrorTypeNotFound
	ErrorTypeDecoding
	ErrorTypeMalformedWitness
	ErrorTypeMissingBlockHeader
	ErrorTypeValidation

	// 系统相关错误
	ErrorTypeSystem
	ErrorTypeConfig
	ErrorTypeStorage
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// FiberError 自定义错误类型
type FiberError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
	Component string                 `json:"component"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *FiberError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *FiberError) Unwrap() error {
	return e.Cause
}

// Is 同类型同错误码视为相同错误
func (e *FiberError) Is(target error) bool {
	t, ok := target.(*FiberError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *FiberError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *FiberError) WithContext(key string, value interface{}) *FiberError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithTxHash 添加交易哈希
func (e *FiberError) WithTxHash(txHash string) *FiberError {
	e.TxHash = &txHash
	return e
}

// WithComponent 设置出错组件
func (e *FiberError) WithComponent(component string) *FiberError {
	e.Component = component
	return e
}

// NewFiberError 创建新的错误
func NewFiberError(errorType ErrorType, severity ErrorSeverity, code, message string) *FiberError {
	return &FiberError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *FiberError {
	e := NewFiberError(errorType, severity, code, message)
	e.Cause = err
	return e
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeRateLimit:
		return true
	case ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// NewNotFoundError 交易或引用的输出不存在
func NewNotFoundError(what, txHash string) *FiberError {
	return NewFiberError(ErrorTypeNotFound, SeverityMedium, "NOT_FOUND", what+"不存在").
		WithTxHash(txHash)
}

// NewDecodingError RPC返回结构校验失败
func NewDecodingError(method string, cause error) *FiberError {
	return WrapError(cause, ErrorTypeDecoding, SeverityHigh, "DECODING_FAILED", method+" 返回数据无效").
		WithContext("method", method)
}

// NewRPCError RPC调用失败，网络类错误可重试
func NewRPCError(method string, cause error, retryable bool) *FiberError {
	e := WrapError(cause, ErrorTypeRPC, SeverityMedium, "RPC_FAILED", method+" 调用失败").
		WithContext("method", method)
	e.Retryable = retryable
	return e
}

// IsType 判断错误链中是否存在指定类型的 FiberError
func IsType(err error, errorType ErrorType) bool {
	var fe *FiberError
	for err != nil {
		if !stderrors.As(err, &fe) {
			return false
		}
		if fe.Type == errorType {
			return true
		}
		err = fe.Cause
	}
	return false
}

// IsNotFound 是否为 NotFound 错误
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// 预定义错误
var (
	ErrRateLimitExceeded = NewFiberError(
		ErrorTypeRateLimit,
		SeverityMedium,
		"RATE_LIMIT_EXCEEDED",
		"请求频率超限",
	)

	ErrNoHealthyNode = NewFiberError(
		ErrorTypeConnection,
		SeverityHigh,
		"NO_HEALTHY_NODE",
		"没有可用的健康节点",
	)

	ErrConfigInvalid = NewFiberError(
		ErrorTypeConfig,
		SeverityCritical,
		"CONFIG_INVALID",
		"配置无效",
	)

	ErrKafkaProduceFailed = NewFiberError(
		ErrorTypeKafka,
		SeverityHigh,
		"KAFKA_PRODUCE_FAILED",
		"Kafka消息发送失败",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeNetwork:            "Network",
	ErrorTypeConnection:         "Connection",
	ErrorTypeTimeout:            "Timeout",
	ErrorTypeRateLimit:          "RateLimit",
	ErrorTypeRPC:                "RPC",
	ErrorTypeNotFound:           "NotFound",
	ErrorTypeDecoding:           "Decoding",
	ErrorTypeMalformedWitness:   "MalformedWitness",
	ErrorTypeMissingBlockHeader: "MissingBlockHeader",
	ErrorTypeValidation:         "Validation",
	ErrorTypeSystem:             "System",
	ErrorTypeConfig:             "Config",
	ErrorTypeStorage:            "Storage",
	ErrorTypeKafka:              "Kafka",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

const maxRecentErrors = 100

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*FiberError         `json:"recent_errors"`
	LastError         *FiberError           `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*FiberError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *FiberError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > maxRecentErrors {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}

// Clone 复制统计快照
func (es *ErrorStats) Clone() *ErrorStats {
	c := NewErrorStats()
	c.TotalErrors = es.TotalErrors
	for k, v := range es.ErrorsByType {
		c.ErrorsByType[k] = v
	}
	for k, v := range es.ErrorsBySeverity {
		c.ErrorsBySeverity[k] = v
	}
	for k, v := range es.ErrorsByComponent {
		c.ErrorsByComponent[k] = v
	}
	c.RecentErrors = append(c.RecentErrors, es.RecentErrors...)
	c.LastError = es.LastError
	c.LastErrorTime = es.LastErrorTime
	return c
}
