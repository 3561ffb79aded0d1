// Package kafka wraps a single-topic async producer. Publishing never blocks
// the request path beyond the buffered inbox; a nil *Producer is a valid
// no-op so the stores stay broker-agnostic.
package kafka

import (
	"context"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start drains the inbox until ctx is cancelled, then flushes what is left
// before closing the writer.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)

		for {
			select {
			case <-ctx.Done():
				close(p.inbox)
				for m := range p.inbox {
					p.write(m)
				}
				_ = p.w.Close()
				return
			case m, ok := <-p.inbox:
				if !ok {
					_ = p.w.Close()
					return
				}
				p.write(m)
			}
		}
	}()
}

func (p *Producer) write(m kafka.Message) {
	if err := p.w.WriteMessages(context.Background(), m); err != nil {
		log.Printf("kafka write (topic %s): %v", p.w.Topic, err)
	}
}

// Publish enqueues a message. Safe on a nil producer.
func (p *Producer) Publish(key, value []byte) {
	if p == nil {
		return
	}
	p.inbox <- kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now(),
	}
}

// WaitClosed blocks until the drain loop has exited.
func (p *Producer) WaitClosed() {
	if p == nil {
		return
	}
	<-p.closeCh
}
