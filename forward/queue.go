// Package forward decouples consumers from the synchronous notification
// callbacks of a listener binding: received messages are pushed onto a
// bounded queue and handed to a pool of workers.
package forward

import (
	"context"
	"net"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"golang.org/x/sync/errgroup"

	"github.com/soundarkarunagaran/sharpsnmplib"
	"github.com/soundarkarunagaran/sharpsnmplib/transport"
)

var mon = monkit.Package()

// Received is one message taken off the wire, with the context a handler
// needs to reply.
type Received struct {
	Source     *net.UDPAddr
	Message    *snmp.Message
	Binding    *transport.ListenerBinding
	ReceivedAt time.Time
}

// Handler processes one received message. Returned errors are reported
// through the queue's error callback and never stop the workers.
type Handler func(ctx context.Context, rcv *Received) error

// Queue is a bounded fan-out stage. Enqueue matches the binding's OnMessage
// callback signature; when the queue is full the message is counted and
// dropped rather than blocking the notification path.
type Queue struct {
	queue   chan *Received
	workers int
	handler Handler
	errFn   func(error)
}

// NewQueue creates a queue of the given depth feeding workers copies of
// received messages. errFn may be nil.
func NewQueue(depth, workers int, handler Handler, errFn func(error)) *Queue {
	if errFn == nil {
		errFn = func(error) {}
	}
	return &Queue{
		queue:   make(chan *Received, depth),
		workers: workers,
		handler: handler,
		errFn:   errFn,
	}
}

// Enqueue is intended to be registered via ListenerBinding.OnMessage.
func (q *Queue) Enqueue(source *net.UDPAddr, msg *snmp.Message, binding *transport.ListenerBinding) {
	rcv := &Received{
		Source:     source,
		Message:    msg,
		Binding:    binding,
		ReceivedAt: time.Now(),
	}
	select {
	case q.queue <- rcv:
	default:
		mon.Counter("dropped_messages").Inc(1)
	}
}

// Run blocks until ctx is done, delivering queued messages to the handler
// from the worker pool. Messages still queued at shutdown are drained.
func (q *Queue) Run(ctx context.Context) {
	// A message taken off the queue is handled to completion even when ctx is
	// cancelled mid-delivery, same as the drain below.
	handleCtx := context.WithoutCancel(ctx)

	var group errgroup.Group
	for i := 0; i < q.workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case rcv := <-q.queue:
					if err := q.handler(handleCtx, rcv); err != nil {
						q.errFn(err)
					}
				}
			}
		})
	}
	_ = group.Wait()

	left := len(q.queue)
	for i := 0; i < left; i++ {
		if err := q.handler(handleCtx, <-q.queue); err != nil {
			q.errFn(err)
		}
	}
}
