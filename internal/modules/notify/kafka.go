package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const mirrorEnqueueTimeout = 100 * time.Millisecond

// KafkaMirror copies hub events onto a topic keyed by order id so
// downstream consumers see every state change in per-order order.
type KafkaMirror struct {
	producer sarama.AsyncProducer
	topic    string

	closeOnce sync.Once
	done      chan struct{}
}

func NewKafkaMirror(producer sarama.AsyncProducer, topic string) *KafkaMirror {
	m := &KafkaMirror{producer: producer, topic: topic, done: make(chan struct{})}
	go m.drainErrors()
	return m
}

func (m *KafkaMirror) drainErrors() {
	defer close(m.done)
	for perr := range m.producer.Errors() {
		slog.Warn("kafka mirror: produce failed", "topic", m.topic, "error", perr.Err)
	}
}

// Mirror enqueues ev without waiting for the broker acknowledgement.
func (m *KafkaMirror) Mirror(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("kafka mirror: encode event", "type", ev.Type, "error", err)
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(ev.OrderID),
		Value: sarama.ByteEncoder(body),
	}
	t := time.NewTimer(mirrorEnqueueTimeout)
	defer t.Stop()
	select {
	case m.producer.Input() <- msg:
	case <-t.C:
		slog.Warn("kafka mirror: producer backlog full, dropping event", "order_id", ev.OrderID, "type", ev.Type)
	}
}

// Close flushes in-flight messages and stops the producer.
func (m *KafkaMirror) Close() error {
	var err error
	m.closeOnce.Do(func() {
		err = m.producer.Close()
		<-m.done
	})
	return err
}
