package reminders

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageTypeReminderDue tags reminder messages on the queue.
const MessageTypeReminderDue = "ReminderDue"

// Publisher is the subset of *amqp.Channel used for delivery.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueMessage is the JSON body published for each reminder.
type QueueMessage struct {
	Type       string  `json:"type"`
	ReminderID string  `json:"reminderId"`
	Text       string  `json:"text"`
	Payload    Payload `json:"payload"`
}

// AMQPNotifier hands reminders to a message queue; a downstream consumer
// owns the final delivery to the user.
type AMQPNotifier struct {
	ch    Publisher
	queue string
}

func NewAMQPNotifier(ch Publisher, queue string) *AMQPNotifier {
	return &AMQPNotifier{ch: ch, queue: queue}
}

// DialAMQP connects to the broker, declares a durable queue and returns a
// notifier publishing to it. The returned func closes the connection.
func DialAMQP(url, queue string) (*AMQPNotifier, func() error, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return NewAMQPNotifier(ch, queue), conn.Close, nil
}

// SendReminder implements Notifier.
func (n *AMQPNotifier) SendReminder(ctx context.Context, r *Reminder) error {
	body, err := json.Marshal(QueueMessage{
		Type:       MessageTypeReminderDue,
		ReminderID: r.ID,
		Text:       FormatMessage(r),
		Payload:    r.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode reminder %s: %w", r.ID, err)
	}

	err = n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    r.ID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish reminder %s: %w", r.ID, err)
	}
	return nil
}
