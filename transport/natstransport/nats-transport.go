package natstransport

import (
	"github.com/RobertWHurst/courier"
	"github.com/nats-io/nats.go"
	"github.com/telemetrytv/trace"
)

var (
	transportNatsDebug        = trace.Bind("courier:transport:nats")
	transportNatsMessageDebug = trace.Bind("courier:transport:nats:message")
	transportNatsBindDebug    = trace.Bind("courier:transport:nats:bind")
)

// NatsTransport carries courier messages over a NATS connection. The
// envelope travels as NATS headers and the chunk as the message body, so
// the connection's server must support headers.
type NatsTransport struct {
	NatsConnection *nats.Conn
}

var _ courier.Transport = &NatsTransport{}

func New(natsConnection *nats.Conn) *NatsTransport {
	transportNatsDebug.Trace("Creating new nats transport")
	return &NatsTransport{
		NatsConnection: natsConnection,
	}
}

// Connect dials url and names the connection after the service identity.
func Connect(url, serviceName string, opts ...nats.Option) (*NatsTransport, error) {
	transportNatsDebug.Tracef("Connecting to %s as %s", url, serviceName)

	opts = append([]nats.Option{nats.Name(serviceName)}, opts...)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		transportNatsDebug.Tracef("Failed to connect: %v", err)
		return nil, err
	}
	return New(conn), nil
}

// Close drains the underlying connection.
func (t *NatsTransport) Close() error {
	transportNatsDebug.Trace("Draining connection")
	return t.NatsConnection.Drain()
}
