package channel

import (
	"context"
	"sync"

	"github.com/nidhogg/courier/internal/fault"
)

// Transport is the abstract hand-off into a recipient's inbox. A failed
// hand-off is a fault.Transport error; the channel retries it with
// backoff and never surfaces it to the sender.
type Transport interface {
	// Deliver places the message into the recipient's inbox.
	Deliver(ctx context.Context, msg *Message) error
	// Subscribe consumes an agent's inbox. The returned channel closes
	// when ctx is cancelled.
	Subscribe(ctx context.Context, agentID string) (<-chan *Message, error)
	Close() error
}

const inboxBuffer = 256

// InProcTransport is a single-node transport backed by buffered Go
// channels, used by tests and by deployments without Redis. Inboxes are
// rebuildable caches; the persisted message rows stay authoritative.
type InProcTransport struct {
	mu      sync.Mutex
	inboxes map[string]chan *Message
	closed  bool
}

// NewInProcTransport creates an in-process transport.
func NewInProcTransport() *InProcTransport {
	return &InProcTransport{inboxes: make(map[string]chan *Message)}
}

func (t *InProcTransport) inbox(agentID string) chan *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.inboxes[agentID]
	if !ok {
		ch = make(chan *Message, inboxBuffer)
		t.inboxes[agentID] = ch
	}
	return ch
}

// Deliver enqueues the message, failing with a transport fault when the
// inbox is saturated rather than blocking the delivery pump.
func (t *InProcTransport) Deliver(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fault.Transportf("transport closed")
	}
	t.mu.Unlock()

	select {
	case t.inbox(msg.RecipientID) <- msg:
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.Transport, ctx.Err(), "deliver to %s", msg.RecipientID)
	default:
		return fault.Transportf("inbox for %s is full", msg.RecipientID)
	}
}

// Subscribe returns the agent's inbox channel.
func (t *InProcTransport) Subscribe(ctx context.Context, agentID string) (<-chan *Message, error) {
	src := t.inbox(agentID)
	out := make(chan *Message, inboxBuffer)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close marks the transport closed. In-flight subscriptions drain on
// their own contexts.
func (t *InProcTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
