package courier

import "time"

// Message is a single chunk as seen by a transport: a subject, the envelope
// encoded as headers, and the chunk body.
type Message struct {
	Subject string
	Header  map[string][]string
	Data    []byte

	// Ack, when set, acknowledges receipt to a sender blocked in
	// Transport.Request, handing it data. It is nil for published messages.
	Ack func(data []byte) error
}

// Unbind removes a binding created with Transport.Bind.
type Unbind func() error

// Transport is the pub/sub primitive the channel is built on. It is expected
// to provide at-least-once delivery per queue group and no ordering across
// subjects.
type Transport interface {
	// Publish sends msg to every binding on subject without waiting.
	Publish(subject string, msg *Message) error

	// Request sends msg to subject and waits for the receiving binding to
	// call Ack, returning the data it acked with. It returns ErrNoResponders
	// when nothing is bound to subject and ErrTimeout when no ack arrives.
	Request(subject string, msg *Message, timeout time.Duration) ([]byte, error)

	// Bind delivers messages on subject to handler. Bindings sharing a
	// non-empty queueGroup compete, so each message reaches only one of them.
	Bind(subject, queueGroup string, handler func(msg *Message)) (Unbind, error)
}
