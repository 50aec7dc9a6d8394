package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fibermon/internal/config"
	fiberrors "fibermon/internal/errors"
	"fibermon/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// 数据类型，同时是 Kafka topic 映射的键
const (
	KindTraces      = "traces"
	KindTxMessages  = "tx_messages"
	KindBalances    = "balances"
	KindTraceErrors = "trace_errors"
)

// 未配置 topic 时使用的默认值
var defaultTopics = map[string]string{
	KindTraces:      "fiber_channel_traces",
	KindTxMessages:  "fiber_tx_messages",
	KindBalances:    "fiber_account_balances",
	KindTraceErrors: "fiber_trace_errors",
}

// Output 输出接口
type Output interface {
	WriteTrace(record *TraceRecord) error
	WriteTxMessage(msg *models.TxMessage) error
	WriteBalance(record *BalanceRecord) error
	WriteTraceError(record *TraceErrorRecord) error
	Close() error
}

// TraceRecord 一个通道的完整追踪结果
type TraceRecord struct {
	OpenTxHash common.Hash        `json:"open_tx_hash"`
	Steps      int                `json:"steps"`
	Items      []models.TraceItem `json:"items"`
	TracedAt   time.Time          `json:"traced_at"`
}

// BalanceRecord 某个锁脚本的余额快照
type BalanceRecord struct {
	Lock      *models.Script         `json:"lock"`
	Balance   *models.AccountBalance `json:"balance"`
	QueriedAt time.Time              `json:"queried_at"`
}

// TraceErrorRecord 追踪失败记录
type TraceErrorRecord struct {
	OpenTxHash common.Hash `json:"open_tx_hash"`
	ErrorType  string      `json:"error_type"`
	Message    string      `json:"message"`
	Steps      int         `json:"steps"`
	FailedAt   time.Time   `json:"failed_at"`
}

// NewTraceRecord 创建追踪记录
func NewTraceRecord(openTxHash common.Hash, items []models.TraceItem) *TraceRecord {
	return &TraceRecord{
		OpenTxHash: openTxHash,
		Steps:      len(items),
		Items:      items,
		TracedAt:   time.Now().UTC(),
	}
}

// NewTraceErrorRecord 由错误生成失败记录
func NewTraceErrorRecord(openTxHash common.Hash, steps int, err error) *TraceErrorRecord {
	fe := fiberrors.Classify(err)
	return &TraceErrorRecord{
		OpenTxHash: openTxHash,
		ErrorType:  fe.Type.String(),
		Message:    err.Error(),
		Steps:      steps,
		FailedAt:   time.Now().UTC(),
	}
}

// NewOutput 按配置创建输出器
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return nil, fmt.Errorf("输出配置为空")
	}

	switch cfg.Format {
	case "kafka", "kafka_async":
		brokers := []string{"localhost:9092"}
		topics := defaultTopics
		if cfg.Kafka != nil {
			if len(cfg.Kafka.Brokers) > 0 {
				brokers = cfg.Kafka.Brokers
			}
			if len(cfg.Kafka.Topics) > 0 {
				topics = cfg.Kafka.Topics
			}
		}
		if cfg.Format == "kafka_async" {
			return NewAsyncKafkaOutput(brokers, topics, logger)
		}
		return NewKafkaOutput(brokers, topics, logger)
	case "file", "":
		return NewFileOutput(cfg.Directory)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// topicFor 查找 topic，未配置时回落到默认值
func topicFor(topics map[string]string, kind string) string {
	if topic, ok := topics[kind]; ok && topic != "" {
		return topic
	}
	return defaultTopics[kind]
}

// FileOutput 以 JSON lines 写入文件，每种数据一个文件
type FileOutput struct {
	outputDir string
	files     map[string]*os.File
	mu        sync.Mutex
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir string) (*FileOutput, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	output := &FileOutput{
		outputDir: outputDir,
		files:     make(map[string]*os.File),
	}

	timestamp := time.Now().Format("20060102_150405")
	for _, kind := range []string{KindTraces, KindTxMessages, KindBalances, KindTraceErrors} {
		file, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("%s_%s.jsonl", kind, timestamp)))
		if err != nil {
			output.Close()
			return nil, fmt.Errorf("创建 %s 文件失败: %w", kind, err)
		}
		output.files[kind] = file
	}

	return output, nil
}

// Path 返回某类数据的文件路径
func (o *FileOutput) Path(kind string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.files[kind]; ok {
		return f.Name()
	}
	return ""
}

// writeLine 序列化为一行并刷新到磁盘
func (o *FileOutput) writeLine(kind string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化 %s 数据失败: %w", kind, err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	file, ok := o.files[kind]
	if !ok {
		return fmt.Errorf("输出文件已关闭: %s", kind)
	}
	if _, err := file.Write(data); err != nil {
		return fiberrors.WrapError(err, fiberrors.ErrorTypeStorage, fiberrors.SeverityHigh, "FILE_WRITE_FAILED", "写入"+kind+"文件失败")
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新 %s 文件失败: %w", kind, err)
	}
	return nil
}

// WriteTrace 写入追踪结果
func (o *FileOutput) WriteTrace(record *TraceRecord) error {
	if record == nil {
		return nil
	}
	return o.writeLine(KindTraces, record)
}

// WriteTxMessage 写入交易摘要
func (o *FileOutput) WriteTxMessage(msg *models.TxMessage) error {
	if msg == nil {
		return nil
	}
	return o.writeLine(KindTxMessages, msg)
}

// WriteBalance 写入余额快照
func (o *FileOutput) WriteBalance(record *BalanceRecord) error {
	if record == nil {
		return nil
	}
	return o.writeLine(KindBalances, record)
}

// WriteTraceError 写入追踪失败记录
func (o *FileOutput) WriteTraceError(record *TraceErrorRecord) error {
	if record == nil {
		return nil
	}
	return o.writeLine(KindTraceErrors, record)
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errors []error
	for kind, file := range o.files {
		if err := file.Close(); err != nil {
			errors = append(errors, fmt.Errorf("关闭 %s 文件失败: %w", kind, err))
		}
		delete(o.files, kind)
	}

	if len(errors) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errors)
	}
	return nil
}
