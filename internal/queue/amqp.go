package queue

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/streadway/amqp"

	logx "groupcast/pkg/logx"
)

// AMQP publishes continuations to a durable RabbitMQ queue and consumes them
// with manual acks.
type AMQP struct {
	conn *amqp.Connection
	name string
	log  logx.Logger

	pubMu sync.Mutex
	pub   *amqp.Channel

	closeOnce sync.Once
}

func OpenAMQP(rawURL, name string, log logx.Logger) (*AMQP, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("amqp queue url is required")
	}
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := declare(ch, name); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AMQP{conn: conn, name: name, log: log, pub: ch}, nil
}

func declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (q *AMQP) Name() string { return "amqp" }

func (q *AMQP) Enqueue(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(jobID)
	if err != nil {
		return err
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.conn.IsClosed() {
		return ErrClosed
	}
	return q.pub.Publish("", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *AMQP) Consume(ctx context.Context, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := declare(ch, q.name); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(
		q.name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	return consumeDeliveries(ctx, msgs, h, q.log, q.conn.IsClosed)
}

// consumeDeliveries feeds msgs to h until ctx ends or the channel closes.
// Each delivery is acked after its handler returns; malformed bodies are
// acked and dropped. A channel closed while the connection is still open is
// an error so the consumer gets restarted.
func consumeDeliveries(ctx context.Context, msgs <-chan amqp.Delivery, h Handler, log logx.Logger, connClosed func() bool) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				if connClosed() {
					return nil
				}
				return errors.New("amqp delivery channel closed")
			}
			jobID, err := decode(d.Body)
			if err != nil {
				log.Warn("dropping malformed continuation", logx.Err(err))
				_ = d.Ack(false)
				continue
			}
			handle(ctx, log, h, jobID)
			if err := d.Ack(false); err != nil {
				log.Warn("ack failed", logx.Job(jobID), logx.Err(err))
			}
		}
	}
}

func (q *AMQP) Close() error {
	var err error
	q.closeOnce.Do(func() {
		q.pubMu.Lock()
		_ = q.pub.Close()
		q.pubMu.Unlock()
		err = q.conn.Close()
	})
	return err
}
