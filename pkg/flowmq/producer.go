package flowmq

import (
	"context"

	"github.com/rbarbey/flowmq-client-go/pkg/producer"
)

// Message and MessageID are re-exported so callers only need to import
// this façade package, not pkg/producer directly.
type Message = producer.Message
type MessageID = producer.MessageID

// Producer wraps pkg/producer.Producer behind the façade package.
type Producer struct {
	inner *producer.Producer
}

func (p *Producer) Send(ctx context.Context, msg Message) (MessageID, error) {
	return p.inner.Send(ctx, msg)
}

func (p *Producer) SendAsync(ctx context.Context, msg Message, callback func(MessageID, error)) error {
	return p.inner.SendAsync(ctx, msg, callback)
}

func (p *Producer) Flush(ctx context.Context) error {
	return p.inner.Flush(ctx)
}

func (p *Producer) Close() error {
	return p.inner.Close()
}

func (p *Producer) Name() string {
	return p.inner.ProducerName()
}
