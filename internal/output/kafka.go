package output

import (
	"encoding/json"
	"fmt"
	"time"

	fiberrors "fibermon/internal/errors"
	"fibermon/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)
	logger.Infof("Kafka topics配置: %v", topics)

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Version = sarama.V2_8_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fiberrors.WrapError(err, fiberrors.ErrorTypeKafka, fiberrors.SeverityHigh,
			"KAFKA_PRODUCER_FAILED", "创建Kafka生产者失败")
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	return &KafkaOutput{
		logger:   logger,
		topics:   topics,
		producer: producer,
	}
}

// newMessage 以通道或交易哈希为 key，同一通道的消息落在同一分区
func newMessage(topic, key string, data interface{}) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("序列化数据失败: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(jsonData),
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

// sendToKafka 发送数据到Kafka
func (k *KafkaOutput) sendToKafka(kind, key string, data interface{}) error {
	topic := topicFor(k.topics, kind)
	msg, err := newMessage(topic, key, data)
	if err != nil {
		return err
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fiberrors.WrapError(err, fiberrors.ErrorTypeKafka, fiberrors.SeverityMedium,
			"KAFKA_PRODUCE_FAILED", "发送消息到Kafka失败").WithContext("topic", topic)
	}

	k.logger.Debugf("成功发送数据到Kafka topic '%s' (partition: %d, offset: %d, key: %s)",
		topic, partition, offset, key)
	return nil
}

// WriteTrace 写入追踪结果
func (k *KafkaOutput) WriteTrace(record *TraceRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(KindTraces, record.OpenTxHash.Hex(), record)
}

// WriteTxMessage 写入交易摘要
func (k *KafkaOutput) WriteTxMessage(msg *models.TxMessage) error {
	if msg == nil {
		return nil
	}
	return k.sendToKafka(KindTxMessages, msg.TxHash.Hex(), msg)
}

// WriteBalance 写入余额快照
func (k *KafkaOutput) WriteBalance(record *BalanceRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(KindBalances, record.Lock.ArgsHex(), record)
}

// WriteTraceError 写入追踪失败记录
func (k *KafkaOutput) WriteTraceError(record *TraceErrorRecord) error {
	if record == nil {
		return nil
	}
	return k.sendToKafka(KindTraceErrors, record.OpenTxHash.Hex(), record)
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
