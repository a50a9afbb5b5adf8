package courier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/telemetrytv/trace"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/semaphore"
)

var (
	channelDebug        = trace.Bind("courier:channel")
	channelRequestDebug = trace.Bind("courier:channel:request")
	channelRespondDebug = trace.Bind("courier:channel:respond")
	channelReplyDebug   = trace.Bind("courier:channel:reply")
	channelEventDebug   = trace.Bind("courier:channel:event")
)

// Handler answers a call bound with Respond. Returning an error sends a
// RemoteError back to the caller; use NewRemoteError to choose its code.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// EventHandler receives messages bound with Subscribe. Errors are logged.
type EventHandler func(ctx context.Context, payload []byte) error

// Reply is the result of a Request.
type Reply struct {
	Data []byte

	noResponders bool
}

// NoResponders reports whether nothing was bound to the requested subject.
// This is distinct from a responder legitimately returning an empty payload.
func (r *Reply) NoResponders() bool {
	return r.noResponders
}

// responseFrame is the msgpack body of every response.
type responseFrame struct {
	OK    bool         `msgpack:"ok"`
	Data  []byte       `msgpack:"data,omitempty"`
	Error *RemoteError `msgpack:"error,omitempty"`
}

// Channel is a service's connection to the bus. It chunks, signs and
// reassembles every message, correlates requests with their responses, and
// load balances calls across the instances of a service through a queue
// group named after the service.
//
// A Channel must be started before use. Each started channel binds its own
// reply subject, so many channels may share one transport.
type Channel struct {

	// Name is the service identity. Instances sharing a name share the queue
	// group of their Respond bindings.
	Name string

	// ID identifies this instance. It is generated by NewChannel.
	ID string

	Transport Transport
	Config    Config
	Logger    zerolog.Logger
	Metrics   *Metrics

	guard      *Guard
	registry   *CorrelationRegistry
	inbound    *ReassemblyTable
	replies    *ReassemblyTable
	handlerSem *semaphore.Weighted
	decoder    *zstd.Decoder
	registerer prometheus.Registerer
	registered bool

	surfacePublishErrors bool

	mu           sync.Mutex
	started      bool
	closing      bool
	dispatchOff  bool
	unbindReply  Unbind
	unbindDirect Unbind
	bindings     map[uint64]Unbind
	responders   map[string]Handler
	nextBinding  atomic.Uint64
	handlers     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Channel.
type Option func(c *Channel)

// WithConfig replaces the channel configuration.
func WithConfig(config Config) Option {
	return func(c *Channel) {
		c.Config = config
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) {
		c.Logger = logger
	}
}

// WithMetrics registers the channel's collectors with registerer on Start.
func WithMetrics(registerer prometheus.Registerer) Option {
	return func(c *Channel) {
		c.registerer = registerer
	}
}

// WithAuthFailurePolicy overrides Config.AuthFailurePolicy.
func WithAuthFailurePolicy(policy AuthFailurePolicy) Option {
	return func(c *Channel) {
		c.Config.AuthFailurePolicy = policy
	}
}

// WithPublishErrors makes Publish return transport errors instead of only
// logging them.
func WithPublishErrors() Option {
	return func(c *Channel) {
		c.surfacePublishErrors = true
	}
}

// NewChannel creates a channel for the named service. tokens signs every
// outbound message and verifies every inbound one.
func NewChannel(name string, transport Transport, tokens TokenService, opts ...Option) *Channel {
	c := &Channel{
		Name:       name,
		ID:         generateInstanceID(),
		Transport:  transport,
		Config:     DefaultConfig(),
		Metrics:    NewMetrics(name),
		registry:   NewCorrelationRegistry(),
		bindings:   map[uint64]Unbind{},
		responders: map[string]Handler{},
	}
	c.Logger = log.Logger.With().Str("pkg", "courier").Str("svc", name).Logger()
	c.guard = &Guard{Tokens: tokens}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReplySubject is the subject this instance receives responses on.
func (c *Channel) ReplySubject() string {
	return namespace(c.Config.SubjectPrefix, "reply", c.Name, c.ID)
}

// DirectSubject addresses this instance alone. Requests are load balanced
// on their first chunk only; the responder acks it with its direct subject
// and the remaining chunks are sent there, so every chunk of a call reaches
// the same instance.
func (c *Channel) DirectSubject() string {
	return namespace(c.Config.SubjectPrefix, "direct", c.Name, c.ID)
}

// QueueGroup is the queue group joined by Respond bindings.
func (c *Channel) QueueGroup() string {
	if c.Config.QueueGroup != "" {
		return c.Config.QueueGroup
	}
	return c.Name
}

// Start binds the channel's reply subject and starts its background work.
// It must be called before any other operation.
func (c *Channel) Start() error {
	channelDebug.Tracef("Starting channel %s (%s)", c.Name, c.ID)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		channelDebug.Trace("Channel already started")
		return fmt.Errorf("courier: channel %s already started", c.Name)
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("courier: channel name must not be blank")
	}
	if c.Transport == nil {
		channelDebug.Trace("Transport not provided")
		return fmt.Errorf("courier: channel %s has no transport", c.Name)
	}
	if c.guard.Tokens == nil {
		channelDebug.Trace("Token service not provided")
		return fmt.Errorf("courier: channel %s has no token service", c.Name)
	}
	if err := c.Config.Validate(); err != nil {
		return err
	}

	decoder, err := newDecoder(c.Config.MaxMessageSize)
	if err != nil {
		return err
	}
	c.decoder = decoder

	// Collectors stay registered across Stop and Start.
	if c.registerer != nil && !c.registered {
		channelDebug.Trace("Registering metrics")
		if err := c.Metrics.Register(c.registerer); err != nil {
			return err
		}
		c.registered = true
	}

	c.guard.Policy = c.Config.AuthFailurePolicy
	if c.Config.MaxConcurrentHandlers > 0 {
		c.handlerSem = semaphore.NewWeighted(int64(c.Config.MaxConcurrentHandlers))
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.inbound = NewReassemblyTable(c.Config.ReassemblyTTL)
	c.replies = NewReassemblyTable(c.Config.ReassemblyTTL)
	onEvict := func(key string) {
		c.Metrics.Evictions.Inc()
		c.Logger.Warn().Str("key", key).Msg("evicted incomplete message")
	}
	c.inbound.OnEvict = onEvict
	c.replies.OnEvict = onEvict

	channelDebug.Tracef("Binding reply subject %s", c.ReplySubject())
	unbind, err := c.Transport.Bind(c.ReplySubject(), "", c.handleReply)
	if err != nil {
		channelDebug.Tracef("Failed to bind reply subject: %v", err)
		c.cancel()
		return err
	}
	c.unbindReply = unbind

	channelDebug.Tracef("Binding direct subject %s", c.DirectSubject())
	unbindDirect, err := c.Transport.Bind(c.DirectSubject(), "", c.handleDirect)
	if err != nil {
		channelDebug.Tracef("Failed to bind direct subject: %v", err)
		_ = c.unbindReply()
		c.cancel()
		return err
	}
	c.unbindDirect = unbindDirect

	c.inbound.Start()
	c.replies.Start()

	c.started = true
	c.closing = false
	c.dispatchOff = false

	channelDebug.Tracef("Channel %s started successfully", c.Name)
	return nil
}

// Stop stops accepting new work, removes every binding, and waits for
// in-flight handlers and pending requests until ctx is done. Requests still
// pending after that are rejected with ErrChannelClosed.
func (c *Channel) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.started || c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	bindings := c.bindings
	c.bindings = map[uint64]Unbind{}
	c.mu.Unlock()

	channelDebug.Tracef("Stopping channel %s", c.Name)

	channelDebug.Tracef("Unbinding %d bindings", len(bindings))
	for _, unbind := range bindings {
		if err := unbind(); err != nil {
			c.Logger.Warn().Err(err).Msg("failed to unbind")
		}
	}
	if err := c.unbindDirect(); err != nil {
		c.Logger.Warn().Err(err).Msg("failed to unbind direct subject")
	}

	c.mu.Lock()
	c.dispatchOff = true
	c.mu.Unlock()

	var stopErr error

	channelDebug.Trace("Waiting for handlers to drain")
	drained := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		channelDebug.Trace("Gave up waiting for handlers")
		stopErr = ctx.Err()
	}

	channelDebug.Trace("Waiting for pending requests to settle")
	if stopErr == nil {
		stopErr = c.waitForPending(ctx)
	}
	if rejected := c.registry.RejectAll(ErrChannelClosed); rejected > 0 {
		channelDebug.Tracef("Rejected %d pending requests", rejected)
	}

	channelDebug.Trace("Unbinding reply subject")
	if err := c.unbindReply(); err != nil {
		c.Logger.Warn().Err(err).Msg("failed to unbind reply subject")
	}

	c.cancel()
	c.inbound.Stop()
	c.replies.Stop()

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()

	channelDebug.Tracef("Channel %s stopped", c.Name)
	return stopErr
}

// Run starts the channel and blocks until ctx is done, then stops it,
// allowing pending work up to one request timeout to finish.
func (c *Channel) Run(ctx context.Context) error {
	channelDebug.Tracef("Running channel %s", c.Name)

	if err := c.Start(); err != nil {
		channelDebug.Tracef("Failed to start channel: %v", err)
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), c.Config.RequestTimeout)
	defer cancel()
	return c.Stop(stopCtx)
}

func (c *Channel) waitForPending(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for c.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (c *Channel) accepting() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.closing {
		return ErrChannelClosed
	}
	return nil
}

func (c *Channel) addBinding(unbind Unbind) Unbind {
	id := c.nextBinding.Add(1)

	c.mu.Lock()
	c.bindings[id] = unbind
	c.mu.Unlock()

	return func() error {
		c.mu.Lock()
		unbind, ok := c.bindings[id]
		delete(c.bindings, id)
		c.mu.Unlock()
		if !ok {
			return nil
		}
		return unbind()
	}
}

// Publish broadcasts payload to every subscriber of subject without waiting
// for anyone. Transport failures are logged and, unless WithPublishErrors was
// given, not returned. A closed channel or a failure to sign is always
// returned, as nothing was sent.
func (c *Channel) Publish(subject string, payload []byte) error {
	channelEventDebug.Tracef("Publishing %d bytes to %s", len(payload), subject)

	err := c.publish(subject, payload)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrChannelClosed) || errors.Is(err, ErrSigningUnavailable) {
		return err
	}

	c.Logger.Error().Err(err).Str("subject", subject).Msg("failed to publish")
	if c.surfacePublishErrors {
		return err
	}
	return nil
}

func (c *Channel) publish(subject string, payload []byte) error {
	if err := c.accepting(); err != nil {
		return err
	}

	token, err := c.guard.Sign(subject)
	if err != nil {
		return err
	}

	envelope := &Envelope{
		Version:       ProtocolVersion,
		CorrelationID: generateCorrelationID(),
		ServiceToken:  token,
		Subject:       subject,
		Sender:        c.Name,
	}
	return c.sendChunks(subject, envelope, payload, func(msg *Message) error {
		return c.Transport.Publish(subject, msg)
	})
}

// Subscribe runs handler for every message published to subject. Each
// message is handled in its own goroutine; a failing or panicking handler is
// logged and does not affect other subscribers.
func (c *Channel) Subscribe(subject string, handler EventHandler) (Unbind, error) {
	channelEventDebug.Tracef("Subscribing to %s", subject)

	if err := c.accepting(); err != nil {
		return nil, err
	}

	scope := "sub:" + strconv.FormatUint(c.nextBinding.Add(1), 10) + ":" + subject + ":"
	unbind, err := c.Transport.Bind(subject, "", func(msg *Message) {
		c.handleEvent(subject, scope, handler, msg)
	})
	if err != nil {
		channelEventDebug.Tracef("Failed to subscribe to %s: %v", subject, err)
		return nil, err
	}
	return c.addBinding(unbind), nil
}

func (c *Channel) handleEvent(subject, scope string, handler EventHandler, msg *Message) {
	envelope, ok := c.receive(msg)
	if !ok {
		return
	}

	if err := c.guard.Verify(envelope.ServiceToken, subject); err != nil {
		c.dropUnauthenticated(subject, envelope, err)
		return
	}

	body, complete, err := c.inbound.Add(scope+envelope.CorrelationID, envelope, msg.Data)
	if err != nil {
		c.dropInvalid(subject, envelope, err)
		return
	}
	if !complete {
		return
	}

	payload, err := c.decodeBody(envelope.Capabilities, body)
	if err != nil {
		c.dropInvalid(subject, envelope, err)
		return
	}

	channelEventDebug.Tracef("Dispatching %d byte event on %s", len(payload), subject)
	c.dispatch(func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				c.Metrics.HandlerPanics.Inc()
				c.Logger.Error().Str("subject", subject).Interface("panic", r).Msg("subscriber panicked")
			}
		}()
		if err := handler(ctx, payload); err != nil {
			c.Logger.Error().Err(err).Str("subject", subject).Msg("subscriber failed")
		}
	})
}

// Respond answers calls made to subject with handler. The binding joins the
// channel's queue group, so among all instances of the service exactly one
// receives each call.
func (c *Channel) Respond(subject string, handler Handler) (Unbind, error) {
	channelRespondDebug.Tracef("Binding responder for %s in queue group %s", subject, c.QueueGroup())

	if err := c.accepting(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.responders[subject]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("courier: channel %s already responds on %s", c.Name, subject)
	}
	c.responders[subject] = handler
	c.mu.Unlock()

	unbind, err := c.Transport.Bind(subject, c.QueueGroup(), func(msg *Message) {
		c.ack(msg)
		envelope, ok := c.receive(msg)
		if !ok {
			return
		}
		c.handleRequest(subject, handler, envelope, msg.Data)
	})
	if err != nil {
		channelRespondDebug.Tracef("Failed to bind responder for %s: %v", subject, err)
		c.removeResponder(subject)
		return nil, err
	}
	return c.addBinding(func() error {
		c.removeResponder(subject)
		return unbind()
	}), nil
}

func (c *Channel) removeResponder(subject string) {
	c.mu.Lock()
	delete(c.responders, subject)
	c.mu.Unlock()
}

// handleDirect receives the chunks of calls pinned to this instance and
// routes them to the responder of their logical subject.
func (c *Channel) handleDirect(msg *Message) {
	c.ack(msg)
	envelope, ok := c.receive(msg)
	if !ok {
		return
	}

	c.mu.Lock()
	handler, ok := c.responders[envelope.Subject]
	c.mu.Unlock()
	if !ok {
		c.dropInvalid(envelope.Subject, envelope, fmt.Errorf("no responder for subject %q", envelope.Subject))
		return
	}
	c.handleRequest(envelope.Subject, handler, envelope, msg.Data)
}

// ack tells the sender the chunk arrived and where to send the rest of the
// call.
func (c *Channel) ack(msg *Message) {
	if msg.Ack == nil {
		return
	}
	if err := msg.Ack([]byte(c.DirectSubject())); err != nil {
		channelRespondDebug.Tracef("Failed to ack chunk on %s: %v", msg.Subject, err)
	}
}

func (c *Channel) handleRequest(subject string, handler Handler, envelope *Envelope, data []byte) {
	if err := c.guard.Verify(envelope.ServiceToken, subject); err != nil {
		c.dropUnauthenticated(subject, envelope, err)
		if c.guard.Rejects() && envelope.ReplyTo != "" && envelope.ChunkIndex == 1 {
			frame := &responseFrame{Error: &RemoteError{
				Subject: subject,
				Code:    CodeUnauthenticated,
				Message: "service token rejected",
			}}
			c.dispatch(func(ctx context.Context) {
				c.sendResponse(subject, envelope, frame)
			})
		}
		return
	}

	body, complete, err := c.inbound.Add("respond:"+subject+":"+envelope.CorrelationID, envelope, data)
	if err != nil {
		c.dropInvalid(subject, envelope, err)
		return
	}
	if !complete {
		return
	}

	if envelope.ReplyTo == "" {
		c.dropInvalid(subject, envelope, fmt.Errorf("%w: request without reply subject", ErrMalformedEnvelope))
		return
	}

	channelRespondDebug.Tracef("Dispatching call %s on %s", envelope.CorrelationID, subject)
	c.dispatch(func(ctx context.Context) {
		var frame *responseFrame
		payload, err := c.decodeBody(envelope.Capabilities, body)
		if err != nil {
			frame = &responseFrame{Error: &RemoteError{Subject: subject, Code: CodeBadPayload, Message: err.Error()}}
		} else {
			frame = c.invoke(ctx, subject, handler, payload)
		}
		c.sendResponse(subject, envelope, frame)
	})
}

func (c *Channel) invoke(ctx context.Context, subject string, handler Handler, payload []byte) (frame *responseFrame) {
	defer func() {
		if r := recover(); r != nil {
			c.Metrics.HandlerPanics.Inc()
			c.Logger.Error().Str("subject", subject).Interface("panic", r).Msg("handler panicked")
			frame = &responseFrame{Error: &RemoteError{
				Subject: subject,
				Code:    CodeHandlerPanic,
				Message: fmt.Sprint(r),
			}}
		}
	}()

	result, err := handler(ctx, payload)
	if err == nil {
		return &responseFrame{OK: true, Data: result}
	}

	remoteErr := &RemoteError{Subject: subject, Code: CodeHandlerError, Message: err.Error()}
	var declared *RemoteError
	if errors.As(err, &declared) {
		remoteErr.Code = declared.Code
		remoteErr.Message = declared.Message
	}
	channelRespondDebug.Tracef("Handler for %s failed: %v", subject, err)
	return &responseFrame{Error: remoteErr}
}

func (c *Channel) sendResponse(subject string, request *Envelope, frame *responseFrame) {
	frameBytes, err := msgpack.Marshal(frame)
	if err != nil {
		c.Logger.Error().Err(err).Str("subject", subject).Msg("failed to encode response")
		return
	}

	// Responses are signed over the request subject, which is what the
	// caller verifies against.
	token, err := c.guard.Sign(subject)
	if err != nil {
		c.Logger.Error().Err(err).Str("subject", subject).Msg("failed to sign response")
		return
	}

	envelope := &Envelope{
		Version:       ProtocolVersion,
		CorrelationID: request.CorrelationID,
		ServiceToken:  token,
		Subject:       subject,
		Sender:        c.Name,
	}
	replyTo := request.ReplyTo
	channelRespondDebug.Tracef("Sending response %s to %s", request.CorrelationID, replyTo)
	err = c.sendChunks(replyTo, envelope, frameBytes, func(msg *Message) error {
		return c.Transport.Publish(replyTo, msg)
	})
	if err != nil {
		c.Logger.Error().Err(err).Str("subject", subject).Str("reply_to", replyTo).Msg("failed to send response")
	}
}

// Request calls the responder bound to subject and waits for its response.
// A timeout of zero uses Config.RequestTimeout.
//
// When nothing is bound to subject the returned Reply has NoResponders set
// and the error is nil. Otherwise the error is ErrTimeout, a *TransportError,
// a *RemoteError, or ErrChannelClosed.
func (c *Channel) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) (*Reply, error) {
	if err := c.accepting(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.Config.RequestTimeout
	}

	channelRequestDebug.Tracef("Requesting %s with %d bytes (timeout %s)", subject, len(payload), timeout)

	token, err := c.guard.Sign(subject)
	if err != nil {
		return nil, err
	}

	correlationID := generateCorrelationID()
	pending, err := c.registry.Register(correlationID, subject, timeout)
	if err != nil {
		return nil, err
	}
	deadline := pending.CreatedAt.Add(timeout)

	c.Metrics.Pending.Inc()
	defer c.Metrics.Pending.Dec()
	defer c.replies.Forget(correlationID)
	defer func() {
		c.Metrics.RequestDuration.Observe(time.Since(pending.CreatedAt).Seconds())
	}()

	envelope := &Envelope{
		Version:       ProtocolVersion,
		CorrelationID: correlationID,
		ServiceToken:  token,
		Subject:       subject,
		ReplyTo:       c.ReplySubject(),
		Sender:        c.Name,
	}
	target := subject
	err = c.sendChunks(subject, envelope, payload, func(msg *Message) error {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTimeout
		}
		pinned, err := c.Transport.Request(target, msg, remaining)
		if err != nil {
			if target != subject && errors.Is(err, ErrNoResponders) {
				return fmt.Errorf("responder at %s went away mid call", target)
			}
			return err
		}
		if target == subject && len(pinned) > 0 {
			channelRequestDebug.Tracef("Request %s pinned to %s", correlationID, pinned)
			target = string(pinned)
		}
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrNoResponders):
		channelRequestDebug.Tracef("No responders for %s", subject)
		c.registry.Reject(correlationID, ErrNoResponders)
	case errors.Is(err, ErrTimeout):
		c.registry.Expire(correlationID)
	default:
		channelRequestDebug.Tracef("Failed to send request to %s: %v", subject, err)
		c.registry.Reject(correlationID, &TransportError{Subject: subject, Err: err})
	}

	frameBytes, err := pending.Wait(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.registry.Reject(correlationID, err)
		c.Metrics.Requests.WithLabelValues(outcomeCanceled).Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, err
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrNoResponders):
		c.Metrics.Requests.WithLabelValues(outcomeNoResponders).Inc()
		return &Reply{noResponders: true}, nil
	case errors.Is(err, ErrTimeout):
		c.Metrics.Requests.WithLabelValues(outcomeTimeout).Inc()
		return nil, err
	default:
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			c.Metrics.Requests.WithLabelValues(outcomeTransport).Inc()
		} else if errors.Is(err, ErrChannelClosed) {
			c.Metrics.Requests.WithLabelValues(outcomeCanceled).Inc()
		} else {
			c.Metrics.Requests.WithLabelValues(outcomeRemoteError).Inc()
		}
		return nil, err
	}

	frame := &responseFrame{}
	if err := msgpack.Unmarshal(frameBytes, frame); err != nil {
		c.Metrics.Requests.WithLabelValues(outcomeRemoteError).Inc()
		return nil, &RemoteError{Subject: subject, Code: CodeBadPayload, Message: err.Error()}
	}
	if !frame.OK {
		c.Metrics.Requests.WithLabelValues(outcomeRemoteError).Inc()
		remoteErr := frame.Error
		if remoteErr == nil {
			remoteErr = &RemoteError{Code: CodeHandlerError, Message: "no error detail"}
		}
		remoteErr.Subject = subject
		return nil, remoteErr
	}

	c.Metrics.Requests.WithLabelValues(outcomeOK).Inc()
	channelRequestDebug.Tracef("Request %s to %s completed with %d bytes", correlationID, subject, len(frame.Data))
	return &Reply{Data: frame.Data}, nil
}

func (c *Channel) handleReply(msg *Message) {
	envelope, ok := c.receive(msg)
	if !ok {
		return
	}

	pending, ok := c.registry.Lookup(envelope.CorrelationID)
	if !ok {
		channelReplyDebug.Tracef("Dropping chunk for unknown request %s", envelope.CorrelationID)
		c.Metrics.ChunksDropped.WithLabelValues(dropUnsolicited).Inc()
		return
	}

	if err := c.guard.Verify(envelope.ServiceToken, pending.Subject); err != nil {
		c.dropUnauthenticated(pending.Subject, envelope, err)
		if c.guard.Rejects() {
			c.registry.Reject(envelope.CorrelationID, err)
		}
		return
	}

	body, complete, err := c.replies.Add(envelope.CorrelationID, envelope, msg.Data)
	if err != nil {
		c.dropInvalid(pending.Subject, envelope, err)
		return
	}
	if !complete {
		return
	}

	frameBytes, err := c.decodeBody(envelope.Capabilities, body)
	if err != nil {
		c.dropInvalid(pending.Subject, envelope, err)
		c.registry.Reject(envelope.CorrelationID, &RemoteError{
			Subject: pending.Subject,
			Code:    CodeBadPayload,
			Message: err.Error(),
		})
		return
	}

	channelReplyDebug.Tracef("Response %s complete (%d bytes)", envelope.CorrelationID, len(frameBytes))
	c.registry.Resolve(envelope.CorrelationID, frameBytes)
}

// sendChunks compresses payload if configured, splits it, and hands each
// chunk to send in index order, stopping at the first error.
func (c *Channel) sendChunks(subject string, envelope *Envelope, payload []byte, send func(msg *Message) error) error {
	body := payload
	if c.Config.Compression {
		body = compress(payload)
		envelope.Capabilities |= CapCompressed
	}

	chunks, err := Split(body, c.Config.MaxChunkSize)
	if err != nil {
		return err
	}

	for i, chunk := range chunks {
		msg := &Message{
			Subject: subject,
			Header:  envelope.ForChunk(i+1, len(chunks)).Header(),
			Data:    chunk,
		}
		if err := send(msg); err != nil {
			return err
		}
		c.Metrics.ChunksSent.Inc()
	}
	return nil
}

func (c *Channel) decodeBody(caps Capabilities, body []byte) ([]byte, error) {
	if caps.Has(CapCompressed) {
		return decompress(c.decoder, body)
	}
	return body, nil
}

func (c *Channel) receive(msg *Message) (*Envelope, bool) {
	c.Metrics.ChunksReceived.Inc()
	envelope, err := ParseEnvelope(msg.Header)
	if err != nil {
		channelDebug.Tracef("Dropping malformed chunk on %s: %v", msg.Subject, err)
		c.Metrics.ChunksDropped.WithLabelValues(dropMalformed).Inc()
		return nil, false
	}
	return envelope, true
}

func (c *Channel) dropUnauthenticated(subject string, envelope *Envelope, err error) {
	c.Metrics.ChunksDropped.WithLabelValues(dropUnauthenticated).Inc()
	c.Logger.Warn().
		Err(err).
		Str("subject", subject).
		Str("correlation_id", envelope.CorrelationID).
		Str("sender", envelope.Sender).
		Msg("dropped unauthenticated chunk")
}

func (c *Channel) dropInvalid(subject string, envelope *Envelope, err error) {
	c.Metrics.ChunksDropped.WithLabelValues(dropInvalid).Inc()
	c.Logger.Warn().
		Err(err).
		Str("subject", subject).
		Str("correlation_id", envelope.CorrelationID).
		Msg("dropped invalid chunk")
}

// dispatch runs fn in its own goroutine, bounded by MaxConcurrentHandlers.
// Work dispatched after Stop has started draining is dropped.
func (c *Channel) dispatch(fn func(ctx context.Context)) {
	c.mu.Lock()
	if c.dispatchOff {
		c.mu.Unlock()
		channelDebug.Trace("Channel stopping, dropping dispatch")
		return
	}
	c.handlers.Add(1)
	ctx := c.ctx
	c.mu.Unlock()

	go func() {
		defer c.handlers.Done()
		if c.handlerSem != nil {
			if err := c.handlerSem.Acquire(ctx, 1); err != nil {
				return
			}
			defer c.handlerSem.Release(1)
		}
		fn(ctx)
	}()
}

func namespace(parts ...string) string {
	return strings.Join(parts, ".")
}
