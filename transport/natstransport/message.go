package natstransport

import (
	"errors"
	"time"

	"github.com/RobertWHurst/courier"
	"github.com/nats-io/nats.go"
)

// Publish sends msg to subject without waiting
func (t *NatsTransport) Publish(subject string, msg *courier.Message) error {
	transportNatsMessageDebug.Tracef("Publishing %d bytes to %s", len(msg.Data), subject)

	if err := t.NatsConnection.PublishMsg(toNatsMsg(subject, msg)); err != nil {
		transportNatsMessageDebug.Tracef("Failed to publish: %v", err)
		return err
	}
	return nil
}

// Request sends msg to subject and waits for the receiver's ack
func (t *NatsTransport) Request(subject string, msg *courier.Message, timeout time.Duration) ([]byte, error) {
	transportNatsMessageDebug.Tracef("Requesting %s with %d bytes, waiting for ack", subject, len(msg.Data))

	reply, err := t.NatsConnection.RequestMsg(toNatsMsg(subject, msg), timeout)
	switch {
	case err == nil:
		transportNatsMessageDebug.Tracef("Received ack with %d bytes", len(reply.Data))
		return reply.Data, nil
	case errors.Is(err, nats.ErrNoResponders):
		transportNatsMessageDebug.Tracef("No responders on %s", subject)
		return nil, courier.ErrNoResponders
	case errors.Is(err, nats.ErrTimeout):
		transportNatsMessageDebug.Tracef("Timed out waiting for ack on %s", subject)
		return nil, courier.ErrTimeout
	default:
		transportNatsMessageDebug.Tracef("Failed to get ack: %v", err)
		return nil, err
	}
}

func toNatsMsg(subject string, msg *courier.Message) *nats.Msg {
	return &nats.Msg{
		Subject: subject,
		Header:  nats.Header(msg.Header),
		Data:    msg.Data,
	}
}
