package courier_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RobertWHurst/courier"
	"github.com/RobertWHurst/courier/tokens"
	"github.com/RobertWHurst/courier/transport/localtransport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type echoMessage struct {
	Msg string `msgpack:"msg"`
}

func startChannel(t *testing.T, name string, transport courier.Transport, tokenService courier.TokenService, opts ...courier.Option) *courier.Channel {
	t.Helper()

	if tokenService == nil {
		tokenService = tokens.NewHMAC(name, testSecret)
	}
	opts = append([]courier.Option{courier.WithLogger(zerolog.Nop())}, opts...)
	channel := courier.NewChannel(name, transport, tokenService, opts...)
	require.NoError(t, channel.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = channel.Stop(ctx)
	})
	return channel
}

func smallChunks(size int) courier.Option {
	config := courier.DefaultConfig()
	config.MaxChunkSize = size
	return courier.WithConfig(config)
}

func echoHandler(ctx context.Context, payload []byte) ([]byte, error) {
	return payload, nil
}

func TestChannel_Call_RoundTripsTypedMessages(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	_, err := service.Respond("svc.echo", courier.Handle(func(ctx context.Context, req echoMessage) (echoMessage, error) {
		return req, nil
	}))
	require.NoError(t, err)

	res, err := courier.Call[echoMessage, echoMessage](context.Background(), client, "svc.echo", echoMessage{Msg: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Msg)
}

func TestChannel_Request_ChunksLargePayloads(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil, smallChunks(1<<20))
	client := startChannel(t, "client", transport, nil, smallChunks(1<<20))

	var received atomic.Int64
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		received.Store(int64(len(payload)))
		return payload, nil
	})
	require.NoError(t, err)

	payload := make([]byte, 5<<20)
	rand.New(rand.NewSource(1)).Read(payload)

	reply, err := client.Request(context.Background(), "svc.echo", payload, 5*time.Second)
	require.NoError(t, err)
	require.False(t, reply.NoResponders())

	assert.Equal(t, int64(len(payload)), received.Load())
	assert.True(t, bytes.Equal(payload, reply.Data))
	assert.Equal(t, float64(5), testutil.ToFloat64(client.Metrics.ChunksSent))
	assert.Equal(t, float64(0), testutil.ToFloat64(client.Metrics.Pending))
}

func TestChannel_Request_PinsChunksToOneReplica(t *testing.T) {
	transport := localtransport.New()

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		replica := startChannel(t, "svc", transport, nil, smallChunks(16))
		_, err := replica.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
			calls.Add(1)
			return payload, nil
		})
		require.NoError(t, err)
	}
	client := startChannel(t, "client", transport, nil, smallChunks(16))

	for i := 0; i < 6; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 1000)
		reply, err := client.Request(context.Background(), "svc.echo", payload, time.Second)
		require.NoError(t, err)
		assert.Equal(t, payload, reply.Data)
	}
	assert.Equal(t, int32(6), calls.Load())
}

func TestChannel_Request_ReportsNoResponders(t *testing.T) {
	transport := localtransport.New()
	client := startChannel(t, "client", transport, nil)

	reply, err := client.Request(context.Background(), "svc.nobody", []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.True(t, reply.NoResponders())
	assert.Equal(t, float64(1), testutil.ToFloat64(client.Metrics.Requests.WithLabelValues("no_responders")))

	_, err = courier.Call[echoMessage, echoMessage](context.Background(), client, "svc.nobody", echoMessage{})
	assert.ErrorIs(t, err, courier.ErrNoResponders)
}

func TestChannel_Request_DistinguishesEmptyReplyFromNoResponders(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	_, err := service.Respond("svc.empty", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, nil
	})
	require.NoError(t, err)

	reply, err := client.Request(context.Background(), "svc.empty", nil, time.Second)
	require.NoError(t, err)
	assert.False(t, reply.NoResponders())
	assert.Empty(t, reply.Data)
}

func TestChannel_Request_TimesOutOnSlowHandler(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	_, err := service.Respond("svc.slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return payload, nil
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Request(context.Background(), "svc.slow", []byte("hi"), 100*time.Millisecond)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, courier.ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(client.Metrics.Requests.WithLabelValues("timeout")))
}

func TestChannel_Request_MapsContextDeadlineToTimeout(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	_, err := service.Respond("svc.slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		<-release
		return payload, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = client.Request(ctx, "svc.slow", []byte("hi"), time.Minute)
	assert.ErrorIs(t, err, courier.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_Request_ReturnsRemoteErrors(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	_, err := service.Respond("svc.declared", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, courier.NewRemoteError("not_found", "no such order")
	})
	require.NoError(t, err)
	_, err = service.Respond("svc.failing", func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("database unavailable")
	})
	require.NoError(t, err)
	_, err = service.Respond("svc.panicking", func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	})
	require.NoError(t, err)

	cases := map[string]struct {
		code    string
		message string
	}{
		"svc.declared":  {"not_found", "no such order"},
		"svc.failing":   {courier.CodeHandlerError, "database unavailable"},
		"svc.panicking": {courier.CodeHandlerPanic, "boom"},
	}
	for subject, expected := range cases {
		_, err := client.Request(context.Background(), subject, nil, time.Second)

		var remoteErr *courier.RemoteError
		require.ErrorAs(t, err, &remoteErr, subject)
		assert.Equal(t, subject, remoteErr.Subject)
		assert.Equal(t, expected.code, remoteErr.Code)
		assert.Equal(t, expected.message, remoteErr.Message)
	}

	assert.Equal(t, float64(1), testutil.ToFloat64(service.Metrics.HandlerPanics))
	assert.Equal(t, float64(3), testutil.ToFloat64(client.Metrics.Requests.WithLabelValues("remote_error")))
}

func TestChannel_Handle_RejectsUndecodablePayload(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, nil)

	_, err := service.Respond("svc.echo", courier.Handle(func(ctx context.Context, req echoMessage) (echoMessage, error) {
		return req, nil
	}))
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "svc.echo", []byte{0xc1}, time.Second)

	var remoteErr *courier.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, courier.CodeBadPayload, remoteErr.Code)
}

func TestChannel_Respond_DropsUnauthenticatedRequests(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, tokens.NewHMAC("svc", "other-secret"))
	client := startChannel(t, "client", transport, nil)

	var called atomic.Bool
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		called.Store(true)
		return payload, nil
	})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "svc.echo", []byte("hi"), 100*time.Millisecond)

	assert.ErrorIs(t, err, courier.ErrTimeout)
	assert.False(t, called.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(service.Metrics.ChunksDropped.WithLabelValues("unauthenticated")))
}

func TestChannel_Respond_ForgedChunkDoesNotAdvanceReassembly(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)

	calls := make(chan []byte, 2)
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		calls <- payload
		return payload, nil
	})
	require.NoError(t, err)
	_, err = transport.Bind("client.replies", "", func(msg *courier.Message) {})
	require.NoError(t, err)

	token, err := tokens.NewHMAC("client", testSecret).Sign("svc.echo")
	require.NoError(t, err)
	forged, err := tokens.NewHMAC("client", "wrong-secret").Sign("svc.echo")
	require.NoError(t, err)

	sendChunk := func(index int, token, data string) {
		envelope := &courier.Envelope{
			Version:       courier.ProtocolVersion,
			CorrelationID: "call-1",
			ChunkIndex:    index,
			ChunkCount:    2,
			ServiceToken:  token,
			Subject:       "svc.echo",
			ReplyTo:       "client.replies",
			Sender:        "client",
		}
		_, err := transport.Request("svc.echo", &courier.Message{Header: envelope.Header(), Data: []byte(data)}, time.Second)
		require.NoError(t, err)
	}

	sendChunk(1, token, "a")
	sendChunk(2, forged, "X")

	select {
	case payload := <-calls:
		t.Fatalf("handler ran with %q after a forged chunk", payload)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(service.Metrics.ChunksDropped.WithLabelValues("unauthenticated")))

	sendChunk(2, token, "b")

	select {
	case payload := <-calls:
		assert.Equal(t, []byte("ab"), payload)
	case <-time.After(time.Second):
		t.Fatal("handler did not run once the genuine chunk arrived")
	}
}

func TestChannel_Respond_RejectsUnauthenticatedRequestsWhenConfigured(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, tokens.NewHMAC("svc", "other-secret"),
		courier.WithAuthFailurePolicy(courier.RejectOnAuthFailure))
	client := startChannel(t, "client", transport, nil,
		courier.WithAuthFailurePolicy(courier.RejectOnAuthFailure))

	var called atomic.Bool
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		called.Store(true)
		return payload, nil
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Request(context.Background(), "svc.echo", []byte("hi"), 5*time.Second)

	assert.ErrorIs(t, err, courier.ErrUnauthenticated)
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, called.Load())
}

func TestChannel_Request_FailsWhenSigningUnavailable(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := startChannel(t, "client", transport, tokens.NewHMAC("client", ""))

	var called atomic.Bool
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		called.Store(true)
		return payload, nil
	})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "svc.echo", []byte("hi"), time.Second)
	assert.ErrorIs(t, err, courier.ErrSigningUnavailable)
	assert.False(t, called.Load())
	assert.Equal(t, float64(0), testutil.ToFloat64(client.Metrics.ChunksSent))
}

func TestChannel_Publish_ReturnsSigningFailures(t *testing.T) {
	transport := localtransport.New()
	publisher := startChannel(t, "publisher", transport, tokens.NewHMAC("publisher", ""))

	err := publisher.Publish("orders.created", []byte("hi"))
	assert.ErrorIs(t, err, courier.ErrSigningUnavailable)
	assert.Equal(t, float64(0), testutil.ToFloat64(publisher.Metrics.ChunksSent))
}

func TestChannel_Respond_LoadBalancesAcrossReplicas(t *testing.T) {
	transport := localtransport.New()

	var calls atomic.Int32
	perReplica := make([]*atomic.Int32, 5)
	for i := range perReplica {
		perReplica[i] = &atomic.Int32{}
		counter := perReplica[i]
		replica := startChannel(t, "svc", transport, nil)
		_, err := replica.Respond("svc.work", func(ctx context.Context, payload []byte) ([]byte, error) {
			calls.Add(1)
			counter.Add(1)
			return payload, nil
		})
		require.NoError(t, err)
	}
	client := startChannel(t, "client", transport, nil)

	for i := 0; i < 20; i++ {
		_, err := client.Request(context.Background(), "svc.work", []byte("job"), time.Second)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(20), calls.Load())
	for _, counter := range perReplica {
		assert.Greater(t, counter.Load(), int32(0))
	}
}

func TestChannel_Respond_RefusesSecondResponderForSubject(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)

	unbind, err := service.Respond("svc.echo", echoHandler)
	require.NoError(t, err)

	_, err = service.Respond("svc.echo", echoHandler)
	assert.Error(t, err)

	require.NoError(t, unbind())
	_, err = service.Respond("svc.echo", echoHandler)
	assert.NoError(t, err)
}

func TestChannel_Subscribe_FansOutAndIsolatesPanics(t *testing.T) {
	transport := localtransport.New()
	publisher := startChannel(t, "orders", transport, nil)
	billing := startChannel(t, "billing", transport, nil)
	shipping := startChannel(t, "shipping", transport, nil)
	broken := startChannel(t, "broken", transport, nil)

	received := make(chan string, 2)
	_, err := billing.Subscribe("orders.created", courier.On(func(ctx context.Context, event echoMessage) error {
		received <- "billing:" + event.Msg
		return nil
	}))
	require.NoError(t, err)
	_, err = shipping.Subscribe("orders.created", courier.On(func(ctx context.Context, event echoMessage) error {
		received <- "shipping:" + event.Msg
		return nil
	}))
	require.NoError(t, err)
	_, err = broken.Subscribe("orders.created", func(ctx context.Context, payload []byte) error {
		panic("boom")
	})
	require.NoError(t, err)

	require.NoError(t, courier.Emit(publisher, "orders.created", echoMessage{Msg: "42"}))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case event := <-received:
			got = append(got, event)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.ElementsMatch(t, []string{"billing:42", "shipping:42"}, got)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(broken.Metrics.HandlerPanics) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestChannel_Subscribe_ReassemblesChunkedEvents(t *testing.T) {
	transport := localtransport.New()
	publisher := startChannel(t, "orders", transport, nil, smallChunks(8))
	subscriber := startChannel(t, "billing", transport, nil)

	received := make(chan []byte, 1)
	_, err := subscriber.Subscribe("orders.created", func(ctx context.Context, payload []byte) error {
		received <- payload
		return nil
	})
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("order "), 20)
	require.NoError(t, publisher.Publish("orders.created", payload))

	select {
	case got := <-received:
		assert.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	assert.Equal(t, float64(15), testutil.ToFloat64(publisher.Metrics.ChunksSent))
}

func TestChannel_Subscribe_DropsMalformedChunks(t *testing.T) {
	transport := localtransport.New()
	subscriber := startChannel(t, "billing", transport, nil)

	var called atomic.Bool
	_, err := subscriber.Subscribe("orders.created", func(ctx context.Context, payload []byte) error {
		called.Store(true)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, transport.Publish("orders.created", &courier.Message{Data: []byte("raw")}))

	assert.Equal(t, float64(1), testutil.ToFloat64(subscriber.Metrics.ChunksDropped.WithLabelValues("malformed")))
	assert.False(t, called.Load())
}

func TestChannel_ReplySubject_DropsUnsolicitedChunks(t *testing.T) {
	transport := localtransport.New()
	client := startChannel(t, "client", transport, nil)

	header := (&courier.Envelope{
		Version:       courier.ProtocolVersion,
		CorrelationID: "not-pending",
		ChunkIndex:    1,
		ChunkCount:    1,
	}).Header()
	require.NoError(t, transport.Publish(client.ReplySubject(), &courier.Message{Header: header}))

	assert.Equal(t, float64(1), testutil.ToFloat64(client.Metrics.ChunksDropped.WithLabelValues("unsolicited")))
}

func TestChannel_Compression_RoundTrips(t *testing.T) {
	config := courier.DefaultConfig()
	config.MaxChunkSize = 1024
	config.Compression = true

	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil, courier.WithConfig(config))
	client := startChannel(t, "client", transport, nil, courier.WithConfig(config))

	_, err := service.Respond("svc.echo", echoHandler)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("compressible "), 8000)
	reply, err := client.Request(context.Background(), "svc.echo", payload, time.Second)
	require.NoError(t, err)

	assert.Equal(t, payload, reply.Data)
	assert.Less(t, testutil.ToFloat64(client.Metrics.ChunksSent), float64(len(payload)/1024))
}

func TestChannel_Respond_RefusesOversizedCompressedPayloads(t *testing.T) {
	serviceConfig := courier.DefaultConfig()
	serviceConfig.MaxMessageSize = 64 << 10
	clientConfig := courier.DefaultConfig()
	clientConfig.Compression = true

	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil, courier.WithConfig(serviceConfig))
	client := startChannel(t, "client", transport, nil, courier.WithConfig(clientConfig))

	var called atomic.Bool
	_, err := service.Respond("svc.echo", func(ctx context.Context, payload []byte) ([]byte, error) {
		called.Store(true)
		return payload, nil
	})
	require.NoError(t, err)

	_, err = client.Request(context.Background(), "svc.echo", make([]byte, 1<<20), time.Second)

	var remoteErr *courier.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, courier.CodeBadPayload, remoteErr.Code)
	assert.False(t, called.Load())
}

func TestChannel_Stop_DrainsInFlightHandlers(t *testing.T) {
	transport := localtransport.New()
	service := courier.NewChannel("svc", transport, tokens.NewHMAC("svc", testSecret), courier.WithLogger(zerolog.Nop()))
	require.NoError(t, service.Start())
	client := startChannel(t, "client", transport, nil)

	started := make(chan struct{})
	var finished atomic.Bool
	_, err := service.Respond("svc.slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return []byte("done"), nil
	})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		reply, err := client.Request(context.Background(), "svc.slow", nil, time.Second)
		if err == nil && string(reply.Data) != "done" {
			err = errors.New("unexpected reply")
		}
		result <- err
	}()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, service.Stop(ctx))
	assert.True(t, finished.Load())
	assert.NoError(t, <-result)

	_, err = service.Respond("svc.slow", echoHandler)
	assert.ErrorIs(t, err, courier.ErrChannelClosed)
	assert.ErrorIs(t, service.Publish("orders.created", nil), courier.ErrChannelClosed)
	_, err = service.Request(context.Background(), "svc.slow", nil, time.Second)
	assert.ErrorIs(t, err, courier.ErrChannelClosed)
	assert.Equal(t, 0, transport.Bindings("svc.slow"))
}

func TestChannel_Stop_RejectsPendingRequests(t *testing.T) {
	transport := localtransport.New()
	service := startChannel(t, "svc", transport, nil)
	client := courier.NewChannel("client", transport, tokens.NewHMAC("client", testSecret), courier.WithLogger(zerolog.Nop()))
	require.NoError(t, client.Start())

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	started := make(chan struct{})
	_, err := service.Respond("svc.slow", func(ctx context.Context, payload []byte) ([]byte, error) {
		close(started)
		<-release
		return payload, nil
	})
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), "svc.slow", nil, time.Minute)
		result <- err
	}()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, client.Stop(ctx), context.DeadlineExceeded)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, courier.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request was not rejected")
	}
}

func TestChannel_Start_RegistersMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	transport := localtransport.New()

	startChannel(t, "svc", transport, nil, courier.WithMetrics(registry))

	duplicate := courier.NewChannel("svc", transport, tokens.NewHMAC("svc", testSecret),
		courier.WithLogger(zerolog.Nop()), courier.WithMetrics(registry))
	assert.Error(t, duplicate.Start())

	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestChannel_Start_RestartsWithMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	transport := localtransport.New()
	channel := courier.NewChannel("svc", transport, tokens.NewHMAC("svc", testSecret),
		courier.WithLogger(zerolog.Nop()), courier.WithMetrics(registry))

	require.NoError(t, channel.Start())
	require.NoError(t, channel.Stop(context.Background()))
	require.NoError(t, channel.Start())
	t.Cleanup(func() {
		_ = channel.Stop(context.Background())
	})

	_, err := channel.Respond("svc.echo", echoHandler)
	require.NoError(t, err)
	families, err := registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestChannel_Start_ValidatesChannel(t *testing.T) {
	transport := localtransport.New()

	assert.Error(t, courier.NewChannel("", transport, tokens.NewHMAC("svc", testSecret)).Start())
	assert.Error(t, courier.NewChannel("svc", nil, tokens.NewHMAC("svc", testSecret)).Start())
	assert.Error(t, courier.NewChannel("svc", transport, nil).Start())
	assert.Error(t, courier.NewChannel("svc", transport, tokens.NewHMAC("svc", testSecret), smallChunks(0)).Start())
}

func TestChannel_Run_StopsWhenContextDone(t *testing.T) {
	transport := localtransport.New()
	channel := courier.NewChannel("svc", transport, tokens.NewHMAC("svc", testSecret), courier.WithLogger(zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- channel.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return transport.Bindings(channel.ReplySubject()) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 0, transport.Bindings(channel.ReplySubject()))
	assert.Equal(t, 0, transport.Bindings(channel.DirectSubject()))
}
