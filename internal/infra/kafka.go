// README: Kafka async producer for the order event mirror.
package infra

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// NewKafkaProducer returns an async producer that reports errors but not
// successes; the caller must drain Errors().
func NewKafkaProducer(brokers []string) (sarama.AsyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 100 * time.Millisecond
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Net.DialTimeout = 10 * time.Second

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("sarama.NewAsyncProducer: %w", err)
	}
	return producer, nil
}
