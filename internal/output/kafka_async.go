package output

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	fiberrors "fibermon/internal/errors"
	"fibermon/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// AsyncKafkaOutput 异步Kafka输出器，批量追踪时使用
type AsyncKafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string
	producer sarama.AsyncProducer
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// 统计信息
	sentCount  atomic.Int64
	errorCount atomic.Int64
	closeOnce  sync.Once
}

// NewAsyncKafkaOutput 创建异步Kafka输出器
func NewAsyncKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*AsyncKafkaOutput, error) {
	logger.Infof("初始化异步Kafka输出器，brokers: %v", brokers)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 3
	config.Producer.Timeout = 3 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	// 批量发送
	config.Producer.Flush.Frequency = 100 * time.Millisecond
	config.Producer.Flush.Messages = 100
	config.Producer.Flush.Bytes = 1024 * 1024
	config.Producer.Compression = sarama.CompressionSnappy
	config.ChannelBufferSize = 1000

	producer, err := sarama.NewAsyncProducer(brokers, config)
	if err != nil {
		return nil, fiberrors.WrapError(err, fiberrors.ErrorTypeKafka, fiberrors.SeverityHigh,
			"KAFKA_PRODUCER_FAILED", "创建异步Kafka生产者失败")
	}

	logger.Info("异步Kafka生产者已创建并启动")
	return NewAsyncKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewAsyncKafkaOutputWithProducer 使用已有生产者创建输出器并启动后台处理
func NewAsyncKafkaOutputWithProducer(producer sarama.AsyncProducer, topics map[string]string, logger *logrus.Logger) *AsyncKafkaOutput {
	ctx, cancel := context.WithCancel(context.Background())
	k := &AsyncKafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
		ctx:      ctx,
		cancel:   cancel,
	}

	k.wg.Add(3)
	go k.handleSuccesses()
	go k.handleErrors()
	go k.reportStats()

	return k
}

// handleSuccesses 生产者关闭后通道关闭，循环随之退出
func (k *AsyncKafkaOutput) handleSuccesses() {
	defer k.wg.Done()
	for success := range k.producer.Successes() {
		k.sentCount.Add(1)
		k.logger.Debugf("消息成功发送到 topic %s, partition %d, offset %d",
			success.Topic, success.Partition, success.Offset)
	}
}

// handleErrors 处理发送失败的消息
func (k *AsyncKafkaOutput) handleErrors() {
	defer k.wg.Done()
	for perr := range k.producer.Errors() {
		k.errorCount.Add(1)
		k.logger.Errorf("Kafka发送失败: topic=%s, error=%v", perr.Msg.Topic, perr.Err)
	}
}

// reportStats 定期报告统计信息
func (k *AsyncKafkaOutput) reportStats() {
	defer k.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sent, failed := k.GetStats()
			if sent > 0 || failed > 0 {
				successRate := float64(sent) / float64(sent+failed) * 100
				k.logger.Infof("Kafka统计: 已发送 %d 条消息, 失败 %d 条, 成功率 %.2f%%", sent, failed, successRate)
			}
		case <-k.ctx.Done():
			return
		}
	}
}

// sendToKafkaAsync 放入生产者输入通道，通道满时立即返回错误
func (k *AsyncKafkaOutput) sendToKafkaAsync(kind, key string, data interface{}) error {
	msg, err := newMessage(topicFor(k.topics, kind), key, data)
	if err != nil {
		return err
	}

	select {
	case <-k.ctx.Done():
		return fmt.Errorf("Kafka生产者已关闭")
	default:
	}

	select {
	case k.producer.Input() <- msg:
		return nil
	default:
		return fiberrors.NewFiberError(fiberrors.ErrorTypeKafka, fiberrors.SeverityMedium,
			"KAFKA_QUEUE_FULL", "Kafka生产者输入通道已满")
	}
}

// WriteTrace 异步写入追踪结果
func (k *AsyncKafkaOutput) WriteTrace(record *TraceRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafkaAsync(KindTraces, record.OpenTxHash.Hex(), record)
}

// WriteTxMessage 异步写入交易摘要
func (k *AsyncKafkaOutput) WriteTxMessage(msg *models.TxMessage) error {
	if msg == nil {
		return nil
	}
	return k.sendToKafkaAsync(KindTxMessages, msg.TxHash.Hex(), msg)
}

// WriteBalance 异步写入余额快照
func (k *AsyncKafkaOutput) WriteBalance(record *BalanceRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafkaAsync(KindBalances, record.Lock.ArgsHex(), record)
}

// WriteTraceError 异步写入追踪失败记录
func (k *AsyncKafkaOutput) WriteTraceError(record *TraceErrorRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafkaAsync(KindTraceErrors, record.OpenTxHash.Hex(), record)
}

// GetStats 获取统计信息
func (k *AsyncKafkaOutput) GetStats() (sent, failed int64) {
	return k.sentCount.Load(), k.errorCount.Load()
}

// Close 关闭生产者，等待已缓冲的消息发送完成
func (k *AsyncKafkaOutput) Close() error {
	k.closeOnce.Do(func() {
		k.logger.Info("关闭异步Kafka生产者...")
		k.cancel()
		k.producer.AsyncClose()
		k.wg.Wait()

		sent, failed := k.GetStats()
		k.logger.Infof("异步Kafka生产者已关闭，总计发送: %d，错误: %d", sent, failed)
	})
	return nil
}
