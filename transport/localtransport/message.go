package localtransport

import (
	"sync"
	"time"

	"github.com/RobertWHurst/courier"
)

// Publish delivers msg to the bindings on subject
func (t *LocalTransport) Publish(subject string, msg *courier.Message) error {
	handlers := t.recipients(subject)
	transportLocalMessageDebug.Tracef("Publishing to %s, notifying %d handlers", subject, len(handlers))

	for _, handler := range handlers {
		handler(copyMessage(subject, msg))
	}
	return nil
}

// Request delivers msg to the bindings on subject and waits for one of them
// to ack it
func (t *LocalTransport) Request(subject string, msg *courier.Message, timeout time.Duration) ([]byte, error) {
	handlers := t.recipients(subject)
	if len(handlers) == 0 {
		transportLocalMessageDebug.Tracef("No handlers bound to %s", subject)
		return nil, courier.ErrNoResponders
	}

	transportLocalMessageDebug.Tracef("Requesting %s, notifying %d handlers", subject, len(handlers))

	acked := make(chan struct{})
	var once sync.Once
	var ackData []byte
	ack := func(data []byte) error {
		once.Do(func() {
			ackData = data
			close(acked)
		})
		return nil
	}

	for _, handler := range handlers {
		delivered := copyMessage(subject, msg)
		delivered.Ack = ack
		handler(delivered)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-acked:
		transportLocalMessageDebug.Tracef("Request to %s acked", subject)
		return ackData, nil
	case <-timer.C:
		transportLocalMessageDebug.Tracef("Request to %s was not acked within %s", subject, timeout)
		return nil, courier.ErrTimeout
	}
}
