package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/txguard/internal/metrics"
)

const (
	kafkaSinkName       = "kafka"
	kafkaFlushTimeoutMs = 5000
)

// producer is the subset of *kafka.Producer the publisher uses.
type producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher writes decision events as JSON, keyed by sender so one
// sender's decisions stay ordered within a partition.
type KafkaPublisher struct {
	producer producer
	topic    string
	logger   *slog.Logger

	closeOnce sync.Once
	drained   chan struct{}
}

// NewKafkaPublisher connects a producer to brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(brokers, ","),
		"client.id":         "txguard",
		"acks":              "all",
		"linger.ms":         5,
	})
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafkaPublisher(p, topic, logger), nil
}

func newKafkaPublisher(p producer, topic string, logger *slog.Logger) *KafkaPublisher {
	k := &KafkaPublisher{
		producer: p,
		topic:    topic,
		logger:   logger,
		drained:  make(chan struct{}),
	}
	go k.watchDeliveries()
	return k
}

func (k *KafkaPublisher) Name() string { return kafkaSinkName }

// Publish enqueues ev. Delivery failures surface asynchronously and are
// counted as drops.
func (k *KafkaPublisher) Publish(_ context.Context, ev *DecisionEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode decision event: %w", err)
	}
	err = k.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.SenderUserID),
		Value:          value,
	}, nil)
	if err != nil {
		return fmt.Errorf("produce to %s: %w", k.topic, err)
	}
	return nil
}

func (k *KafkaPublisher) watchDeliveries() {
	defer close(k.drained)
	for e := range k.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				metrics.DecisionEventsDroppedTotal.WithLabelValues(kafkaSinkName).Inc()
				k.logger.Warn("kafka delivery failed",
					"topic", k.topic,
					"key", string(ev.Key),
					"error", ev.TopicPartition.Error,
				)
			}
		case kafka.Error:
			k.logger.Error("kafka producer error", "error", ev)
		}
	}
}

// Close flushes outstanding messages and shuts the producer down.
func (k *KafkaPublisher) Close() error {
	k.closeOnce.Do(func() {
		if remaining := k.producer.Flush(kafkaFlushTimeoutMs); remaining > 0 {
			k.logger.Warn("kafka flush timed out", "undelivered", remaining)
		}
		k.producer.Close()
		<-k.drained
	})
	return nil
}
