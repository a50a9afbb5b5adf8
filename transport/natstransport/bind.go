package natstransport

import (
	"github.com/RobertWHurst/courier"
	"github.com/nats-io/nats.go"
)

// Bind subscribes handler to subject, joining queueGroup when it is not
// empty. It returns once the server has registered the subscription.
func (t *NatsTransport) Bind(subject, queueGroup string, handler func(msg *courier.Message)) (courier.Unbind, error) {
	transportNatsBindDebug.Tracef("Binding handler to %s (queue group %q)", subject, queueGroup)

	callback := func(natsMsg *nats.Msg) {
		msg := &courier.Message{
			Subject: natsMsg.Subject,
			Header:  map[string][]string(natsMsg.Header),
			Data:    natsMsg.Data,
		}
		if natsMsg.Reply != "" {
			msg.Ack = func(data []byte) error {
				return natsMsg.Respond(data)
			}
		}
		handler(msg)
	}

	var sub *nats.Subscription
	var err error
	if queueGroup == "" {
		sub, err = t.NatsConnection.Subscribe(subject, callback)
	} else {
		sub, err = t.NatsConnection.QueueSubscribe(subject, queueGroup, callback)
	}
	if err != nil {
		transportNatsBindDebug.Tracef("Failed to subscribe: %v", err)
		return nil, err
	}

	// Wait for the server to register interest so a request sent right after
	// Bind returns finds this binding.
	if err := t.NatsConnection.Flush(); err != nil {
		transportNatsBindDebug.Tracef("Failed to flush subscription: %v", err)
		_ = sub.Unsubscribe()
		return nil, err
	}

	transportNatsBindDebug.Trace("Handler bound successfully")
	return func() error {
		transportNatsBindDebug.Tracef("Unbinding handler from %s", subject)
		return sub.Unsubscribe()
	}, nil
}
