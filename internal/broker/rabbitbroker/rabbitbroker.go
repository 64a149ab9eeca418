// Package rabbitbroker implements broker.Broker on top of RabbitMQ.
// New declares a retry queue that dead-letters back to the main queue, and
// a main queue that dead-letters to the DLQ; nothing in this package
// publishes to the retry queue. It exists alongside
// redisbroker to show the Broker interface is not Redis-specific; the
// dispatch engine's default wiring uses redisbroker.
//
// RabbitMQ has no native advisory-lock primitive, so AcquireLease and
// ReleaseLease are delegated to an injected lease backend (typically a
// redisbroker.Broker used only for its KV/lease half). Passing a nil
// lease backend makes the lease operations return an error, which is the
// documented limitation of running the engine on RabbitMQ alone.
package rabbitbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/arjunv/jobdispatch/internal/broker"
)

// LeaseBackend is the subset of broker.Broker this package needs to
// implement leases when running on top of RabbitMQ.
type LeaseBackend interface {
	AcquireLease(ctx context.Context, name string, ttl time.Duration, blockingTimeout time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, name string, token string) error
}

type Broker struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	lease LeaseBackend
}

// New dials url and declares the retry/DLQ topology for queueName.
func New(url string, queueName string, lease LeaseBackend) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}

	retryQ := queueName + ".retry"
	dlqQ := queueName + ".dlq"

	if _, err := ch.QueueDeclare(dlqQ, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(retryQ, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queueName,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqQ,
	}); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Broker{conn: conn, ch: ch, lease: lease}, nil
}

func (b *Broker) Close() error {
	_ = b.ch.Close()
	return b.conn.Close()
}

func (b *Broker) publish(ctx context.Context, queue string, body []byte, expireMs int64) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if expireMs > 0 {
		pub.Expiration = fmt.Sprintf("%d", expireMs)
	}
	if err := b.ch.PublishWithContext(ctx, "", queue, false, false, pub); err != nil {
		return fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	return nil
}

func (b *Broker) Push(ctx context.Context, queue string, msg broker.Message) (int64, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}
	if err := b.publish(ctx, queue, body, 0); err != nil {
		return 0, err
	}
	return b.Length(ctx, queue)
}

func (b *Broker) PushDLQ(ctx context.Context, queue string, msg broker.DLQMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.publish(ctx, queue, body, 0)
}

// getPollInterval is how often BlockingPop retries Channel.Get while
// waiting for a message to show up on an empty queue.
const getPollInterval = 100 * time.Millisecond

// BlockingPop polls queue with Channel.Get (manual ack) up to timeout.
// Get pulls at most one message per call, so unlike a long-lived
// consumer there is nothing left sitting unacked in a local buffer for
// a cancelled consumer to drop: a decode failure still acks (there is
// nothing useful to retry on a malformed message) and returns the error
// to the caller; a successful decode acks only after the message is
// safely in hand.
func (b *Broker) BlockingPop(ctx context.Context, queue string, timeout time.Duration) (*broker.Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		d, ok, err := b.ch.Get(queue, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
		}
		if ok {
			var msg broker.Message
			if decodeErr := json.Unmarshal(d.Body, &msg); decodeErr != nil {
				_ = d.Ack(false)
				return nil, decodeErr
			}
			if ackErr := d.Ack(false); ackErr != nil {
				return nil, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, ackErr)
			}
			return &msg, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(getPollInterval):
		}
	}
}

func (b *Broker) Length(ctx context.Context, queue string) (int64, error) {
	q, err := b.ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", broker.ErrBrokerUnavailable, err)
	}
	return int64(q.Messages), nil
}

// Set/Get/Delete/Exists have no natural RabbitMQ analogue; this broker is
// only ever constructed for the queue/DLQ half of the interface, paired
// with redisbroker for KV and leases at the dispatcher/pool level. They
// are implemented here only so Broker satisfies the interface end to end.
var errNoKV = errors.New("rabbitbroker: key/value operations are not supported, use redisbroker")

func (b *Broker) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errNoKV
}

func (b *Broker) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errNoKV
}

func (b *Broker) Delete(ctx context.Context, key string) error { return errNoKV }

func (b *Broker) Exists(ctx context.Context, key string) (bool, error) { return false, errNoKV }

func (b *Broker) AcquireLease(ctx context.Context, name string, ttl time.Duration, blockingTimeout time.Duration) (string, bool, error) {
	if b.lease == nil {
		return "", false, errors.New("rabbitbroker: no lease backend configured")
	}
	return b.lease.AcquireLease(ctx, name, ttl, blockingTimeout)
}

func (b *Broker) ReleaseLease(ctx context.Context, name string, token string) error {
	if b.lease == nil {
		return errors.New("rabbitbroker: no lease backend configured")
	}
	return b.lease.ReleaseLease(ctx, name, token)
}
