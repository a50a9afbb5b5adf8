package courier

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Call msgpack encodes req, requests subject with the channel's default
// timeout and decodes the response into a Res. A call with no responders
// returns the zero Res and ErrNoResponders.
func Call[Req, Res any](ctx context.Context, ch *Channel, subject string, req Req) (Res, error) {
	return CallTimeout[Req, Res](ctx, ch, subject, req, 0)
}

// CallTimeout is Call with an explicit timeout.
func CallTimeout[Req, Res any](ctx context.Context, ch *Channel, subject string, req Req, timeout time.Duration) (Res, error) {
	var res Res

	payload, err := msgpack.Marshal(req)
	if err != nil {
		return res, err
	}

	reply, err := ch.Request(ctx, subject, payload, timeout)
	if err != nil {
		return res, err
	}
	if reply.NoResponders() {
		return res, ErrNoResponders
	}

	if err := msgpack.Unmarshal(reply.Data, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Handle adapts a typed function into a Handler. A request that does not
// decode is answered with a RemoteError carrying CodeBadPayload.
func Handle[Req, Res any](fn func(ctx context.Context, req Req) (Res, error)) Handler {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, NewRemoteError(CodeBadPayload, err.Error())
		}
		res, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(res)
	}
}

// Emit msgpack encodes event and publishes it on subject.
func Emit[T any](ch *Channel, subject string, event T) error {
	payload, err := msgpack.Marshal(event)
	if err != nil {
		return err
	}
	return ch.Publish(subject, payload)
}

// On adapts a typed function into an EventHandler.
func On[T any](fn func(ctx context.Context, event T) error) EventHandler {
	return func(ctx context.Context, payload []byte) error {
		var event T
		if err := msgpack.Unmarshal(payload, &event); err != nil {
			return err
		}
		return fn(ctx, event)
	}
}
