package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/AzielCF/az-publisher/domains/recovery"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	declared   []string
	published  []published
	publishErr error
	closed     bool
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.declared = append(c.declared, name+":"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

func testIncident() *recovery.Incident {
	return &recovery.Incident{
		ID:          "inc-1",
		Platform:    "twitter",
		Kind:        recovery.KindAuthentication,
		Status:      recovery.IncidentFailed,
		LastMessage: "token revoked",
	}
}

func TestAMQPNotifier_Publishes(t *testing.T) {
	ch := &fakeChannel{}
	n, err := newAMQPNotifier(ch, "publisher.incidents")
	require.NoError(t, err)
	assert.Equal(t, []string{"publisher.incidents:topic"}, ch.declared)

	require.NoError(t, n.NotifyIncident(context.Background(), testIncident()))
	require.Len(t, ch.published, 1)
	p := ch.published[0]
	assert.Equal(t, "publisher.incidents", p.exchange)
	assert.Equal(t, "incident.twitter.authentication_failed", p.key)
	assert.Equal(t, "inc-1", p.msg.MessageId)
	assert.Equal(t, amqp.Persistent, p.msg.DeliveryMode)

	var got recovery.Incident
	require.NoError(t, json.Unmarshal(p.msg.Body, &got))
	assert.Equal(t, "token revoked", got.LastMessage)

	require.NoError(t, n.Close())
	assert.True(t, ch.closed)
}

func TestAMQPNotifier_PublishError(t *testing.T) {
	ch := &fakeChannel{publishErr: errors.New("channel closed")}
	n, err := newAMQPNotifier(ch, "x")
	require.NoError(t, err)
	err = n.NotifyIncident(context.Background(), testIncident())
	assert.ErrorContains(t, err, "inc-1")
}

type countingNotifier struct {
	n   int
	err error
}

func (c *countingNotifier) NotifyIncident(ctx context.Context, inc *recovery.Incident) error {
	c.n++
	return c.err
}

func TestMulti(t *testing.T) {
	a := &countingNotifier{}
	b := &countingNotifier{err: errors.New("boom")}
	err := Multi{LogNotifier{}, a, b}.NotifyIncident(context.Background(), testIncident())
	assert.ErrorContains(t, err, "boom")
	assert.Equal(t, 1, a.n)
	assert.Equal(t, 1, b.n)
}
