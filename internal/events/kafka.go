package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
)

// KafkaPublisher feeds a sarama async producer from a bounded queue.
type KafkaPublisher struct {
	topic   string
	events  chan WireEvent
	prod    sarama.AsyncProducer
	log     *slog.Logger
	stopped chan struct{}
	errDone chan struct{}

	// mu guards closed and the send on events against Close.
	mu     sync.RWMutex
	closed bool
}

func NewKafkaPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*KafkaPublisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("events: create async producer: %w", err)
	}
	return NewPublisherWithProducer(prod, topic, queueSize, log), nil
}

// NewPublisherWithProducer wraps an existing producer; it takes ownership.
func NewPublisherWithProducer(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *KafkaPublisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	p := &KafkaPublisher{
		topic:   topic,
		events:  make(chan WireEvent, queueSize),
		prod:    prod,
		log:     log,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("events: marshal", "err", err)
				continue
			}
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Layer),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("events: producer error", "err", err)
			}
		}
	}()

	return p
}

// Publish enqueues ev and reports false when the queue is full or the
// publisher is closed.
func (p *KafkaPublisher) Publish(ev WireEvent) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.events <- ev:
		return true
	default:
		// queue full, drop rather than block the request path
		return false
	}
}

// Close drains the queue into the producer and closes it. Later calls are
// no-ops.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	<-p.stopped

	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("events: close producer: %w", err)
	}
	return nil
}
