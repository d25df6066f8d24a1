package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// publisher is the subset of *amqp.Channel used for alerts
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes alerts as persistent JSON messages on a durable
// queue. Rejected alerts are dead-lettered to <queue>.dlq.
type AMQPNotifier struct {
	conn    *amqp.Connection
	ch      publisher
	queue   string
	timeout time.Duration
}

// NewAMQPNotifier dials url and declares the alert queue with its dead-letter
// queue
func NewAMQPNotifier(url, queue string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", dlq, err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare %s: %w", queue, err)
	}

	return &AMQPNotifier{conn: conn, ch: ch, queue: queue, timeout: 5 * time.Second}, nil
}

func newAMQPNotifierWithChannel(ch publisher, queue string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, queue: queue, timeout: 5 * time.Second}
}

// NotifyEmergency publishes the alert to the default exchange
func (n *AMQPNotifier) NotifyEmergency(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	return n.ch.PublishWithContext(cctx,
		"",      // default exchange
		n.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     uint8(alert.Priority),
			MessageId:    alert.SessionID + ":" + alert.Timestamp.UTC().Format(time.RFC3339Nano),
			Body:         body,
			Timestamp:    alert.Timestamp,
		},
	)
}

// Ping reports whether the broker connection is still open
func (n *AMQPNotifier) Ping(context.Context) error {
	if n.conn == nil || n.conn.IsClosed() {
		return fmt.Errorf("amqp connection closed")
	}
	return nil
}

// Close closes the channel and connection
func (n *AMQPNotifier) Close() error {
	if n.ch != nil {
		_ = n.ch.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
