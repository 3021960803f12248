package router

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBroker is a RabbitMQ connection
type AMQPBroker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// AMQPURL builds a broker URL from a bare host name, using the default guest account
func AMQPURL(host string) string {
	return "amqp://guest:guest@" + host + ":5672/"
}

// DialAMQP returns a Dialer that connects to RabbitMQ at url
func DialAMQP(url string) Dialer {
	return func(ctx context.Context) (Broker, error) {
		return NewAMQPBroker(url)
	}
}

func NewAMQPBroker(url string) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPBroker{
		conn: conn,
		ch:   ch,
	}, nil
}

func (b *AMQPBroker) Declare(ctx context.Context, queue string) error {
	_, err := b.ch.QueueDeclare(queue, true, false, false, false, nil)
	return err
}

func (b *AMQPBroker) Publish(ctx context.Context, queue string, msg Message) error {
	return b.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    time.Now(),
		Body:         msg.Body,
	})
}

func (b *AMQPBroker) Get(ctx context.Context, queue string) (*Delivery, error) {
	d, ok, err := b.ch.Get(queue, false)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Delivery{
		Message: Message{
			ID:   d.MessageId,
			Body: d.Body,
		},
		Tag:         d.DeliveryTag,
		Redelivered: d.Redelivered,
	}, nil
}

func (b *AMQPBroker) Ack(ctx context.Context, d *Delivery) error {
	return b.ch.Ack(d.Tag, false)
}

// Reject does not requeue. If the queue has a dead letter exchange, the message is routed there.
func (b *AMQPBroker) Reject(ctx context.Context, d *Delivery, reason string) error {
	return b.ch.Nack(d.Tag, false, false)
}

func (b *AMQPBroker) Close() error {
	b.ch.Close()
	return b.conn.Close()
}
