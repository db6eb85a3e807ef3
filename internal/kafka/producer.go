package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/example/visadesk/internal/services"
)

// ErrBufferFull is returned when the producer cannot take another event
// within enqueueTimeout.
var ErrBufferFull = errors.New("kafka producer buffer is full")

const enqueueTimeout = 250 * time.Millisecond

// Producer publishes payment events to a Kafka topic. Sends are asynchronous;
// delivery failures are logged and counted.
type Producer struct {
	producer sarama.AsyncProducer
	topic    string
	failed   atomic.Int64
	done     chan struct{}
}

// NewProducer connects to the brokers, retrying while Kafka starts up.
func NewProducer(brokers []string, topic string, attempts int) (*Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Errors = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	if attempts <= 0 {
		attempts = 1
	}

	var producer sarama.AsyncProducer
	var err error
	for i := 1; i <= attempts; i++ {
		producer, err = sarama.NewAsyncProducer(brokers, config)
		if err == nil {
			log.Printf("[Kafka] producer connected, topic %s", topic)
			return newProducerWith(producer, topic), nil
		}

		log.Printf("[Kafka] waiting for brokers (%d/%d): %v", i, attempts, err)
		if i < attempts {
			time.Sleep(3 * time.Second)
		}
	}

	return nil, fmt.Errorf("kafka producer: %w", err)
}

// newProducerWith wraps an existing sarama producer.
func newProducerWith(p sarama.AsyncProducer, topic string) *Producer {
	pr := &Producer{producer: p, topic: topic, done: make(chan struct{})}
	go pr.drainErrors()
	return pr
}

func (p *Producer) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		p.failed.Add(1)
		eventType := ""
		for _, h := range perr.Msg.Headers {
			if string(h.Key) == "event_type" {
				eventType = string(h.Value)
			}
		}
		log.Printf("[Kafka] delivery of %s failed: %v", eventType, perr.Err)
	}
}

// Publish queues the event keyed by order id so all events of one attempt
// land on the same partition. It never waits for broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, event services.PaymentEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event.EventType, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
		},
	}

	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("send %s: %w", event.EventType, ErrBufferFull)
	}
}

// Failed is the number of events the brokers rejected.
func (p *Producer) Failed() int64 {
	return p.failed.Load()
}

// Close flushes queued events and waits for their outcome.
func (p *Producer) Close() error {
	p.producer.AsyncClose()
	<-p.done
	return nil
}
