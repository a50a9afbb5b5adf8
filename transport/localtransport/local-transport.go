package localtransport

import (
	"sync"

	"github.com/RobertWHurst/courier"
	"github.com/telemetrytv/trace"
)

var (
	transportLocalDebug        = trace.Bind("courier:transport:local")
	transportLocalMessageDebug = trace.Bind("courier:transport:local:message")
	transportLocalBindDebug    = trace.Bind("courier:transport:local:bind")
)

type binding struct {
	id         uint64
	queueGroup string
	handler    func(msg *courier.Message)
}

// LocalTransport delivers messages in-process. Handlers run synchronously on
// the sender's goroutine. Bindings that share a queue group take turns, so
// each message reaches exactly one of them.
type LocalTransport struct {
	mu          sync.RWMutex
	bindings    map[string][]*binding
	nextID      uint64
	queueCursor map[string]int
}

var _ courier.Transport = &LocalTransport{}

func New() *LocalTransport {
	transportLocalDebug.Trace("Creating new local transport")
	return &LocalTransport{
		bindings:    map[string][]*binding{},
		queueCursor: map[string]int{},
	}
}

// Bindings returns the number of handlers bound to subject.
func (t *LocalTransport) Bindings(subject string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.bindings[subject])
}

// recipients picks the handlers that receive one message on subject: every
// binding without a queue group plus one member of each queue group.
func (t *LocalTransport) recipients(subject string) []func(msg *courier.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bindings := t.bindings[subject]
	handlers := make([]func(msg *courier.Message), 0, len(bindings))
	groups := map[string][]*binding{}
	var groupOrder []string

	for _, b := range bindings {
		if b.queueGroup == "" {
			handlers = append(handlers, b.handler)
			continue
		}
		if _, ok := groups[b.queueGroup]; !ok {
			groupOrder = append(groupOrder, b.queueGroup)
		}
		groups[b.queueGroup] = append(groups[b.queueGroup], b)
	}

	for _, group := range groupOrder {
		members := groups[group]
		cursorKey := subject + "\x00" + group
		cursor := t.queueCursor[cursorKey] % len(members)
		t.queueCursor[cursorKey] = cursor + 1
		handlers = append(handlers, members[cursor].handler)
	}

	return handlers
}

func copyMessage(subject string, msg *courier.Message) *courier.Message {
	header := make(map[string][]string, len(msg.Header))
	for key, values := range msg.Header {
		header[key] = append([]string(nil), values...)
	}
	return &courier.Message{
		Subject: subject,
		Header:  header,
		Data:    msg.Data,
	}
}
