package localtransport

import (
	"slices"

	"github.com/RobertWHurst/courier"
)

// Bind registers handler for messages on subject
func (t *LocalTransport) Bind(subject, queueGroup string, handler func(msg *courier.Message)) (courier.Unbind, error) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.bindings[subject] = append(t.bindings[subject], &binding{
		id:         id,
		queueGroup: queueGroup,
		handler:    handler,
	})
	count := len(t.bindings[subject])
	t.mu.Unlock()

	transportLocalBindDebug.Tracef("Bound handler to %s (queue group %q), now %d handlers", subject, queueGroup, count)

	return func() error {
		t.mu.Lock()
		defer t.mu.Unlock()

		bindings := t.bindings[subject]
		i := slices.IndexFunc(bindings, func(b *binding) bool { return b.id == id })
		if i == -1 {
			return nil
		}
		t.bindings[subject] = slices.Delete(bindings, i, i+1)
		if len(t.bindings[subject]) == 0 {
			delete(t.bindings, subject)
		}
		transportLocalBindDebug.Tracef("Unbound handler from %s", subject)
		return nil
	}, nil
}
