package mq

import (
	"fmt"

	"txnledger/internal/config"

	"github.com/IBM/sarama"
)

// Publisher 消息投递接口，便于 job 层测试时替换
type Publisher interface {
	Publish(topic, key, value string) error
	Close() error
}

// KafkaPublisher 基于 sarama 同步生产者
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

// NewKafkaPublisher 初始化 Kafka 生产者
func NewKafkaPublisher(cfg *config.KafkaConfig) (*KafkaPublisher, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1 // 幂等生产者要求
	kafkaConfig.Version = sarama.V2_1_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}

	return NewPublisher(producer), nil
}

// NewPublisher 包装已有的 SyncProducer
func NewPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

// Publish 发送消息到 Kafka，按 key 分区保证同一笔交易有序
func (p *KafkaPublisher) Publish(topic, key, value string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}

	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
