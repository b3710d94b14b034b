package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AzielCF/az-publisher/domains/recovery"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes escalated incidents to the log.
type LogNotifier struct{}

func (LogNotifier) NotifyIncident(ctx context.Context, inc *recovery.Incident) error {
	logrus.WithFields(logrus.Fields{
		"incident":      inc.ID,
		"platform":      inc.Platform,
		"account":       inc.Account,
		"kind":          inc.Kind,
		"status":        inc.Status,
		"attempts":      inc.Attempts,
		"dead_lettered": inc.DeadLettered,
	}).Error("[NOTIFY] Incident requires manual intervention: " + inc.LastMessage)
	return nil
}

// Multi fans an incident out to every notifier and joins their errors.
type Multi []recovery.Notifier

func (m Multi) NotifyIncident(ctx context.Context, inc *recovery.Incident) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyIncident(ctx, inc); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// channel is the subset of *amqp.Channel the notifier uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPNotifier publishes escalated incidents to a topic exchange, routed by
// "incident.<platform>.<kind>".
type AMQPNotifier struct {
	exchange string
	conn     *amqp.Connection

	mu sync.Mutex
	ch channel
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPNotifier, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	n, err := newAMQPNotifier(ch, exchange)
	if err != nil {
		conn.Close()
		return nil, err
	}
	n.conn = conn
	return n, nil
}

func newAMQPNotifier(ch channel, exchange string) (*AMQPNotifier, error) {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{exchange: exchange, ch: ch}, nil
}

func RoutingKey(inc *recovery.Incident) string {
	return fmt.Sprintf("incident.%s.%s", inc.Platform, inc.Kind)
}

func (n *AMQPNotifier) NotifyIncident(ctx context.Context, inc *recovery.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	err = n.ch.PublishWithContext(ctx, n.exchange, RoutingKey(inc), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    inc.ID,
		Timestamp:    time.Now().UTC(),
		Type:         string(inc.Status),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish incident %s: %w", inc.ID, err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	err := n.ch.Close()
	if n.conn != nil {
		err = errors.Join(err, n.conn.Close())
	}
	return err
}
