package bridge

import (
	"errors"
	"sort"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrChannelClosed is returned when sending on a message channel whose peer
// has gone away.
var ErrChannelClosed = errors.New("message channel closed")

// MessageChannel is the asynchronous, possibly-lossy, ordered transport the
// bridge is layered over. Implementations deliver each inbound message to
// every registered listener, in registration order, one message at a time.
type MessageChannel interface {
	// Send writes one message to the peer.
	Send(msg []byte) error

	// Listen registers a listener for inbound messages and returns a
	// cancel function that removes it. Cancel is idempotent.
	Listen(fn func(msg []byte)) (func(), error)
}

// PipeEndpoint is one side of an in-process channel pair. Inbound messages
// flow through a concurrent queue so that senders never block on slow
// listeners while ordering is preserved.
type PipeEndpoint struct {
	mtx       sync.Mutex
	listeners map[uint64]func(msg []byte)
	nextID    uint64

	inbound *queue.ConcurrentQueue

	peer *PipeEndpoint

	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Pipe returns two connected in-process message channels. A message sent on
// one side is delivered to the listeners of the other. Both sides must be
// closed with ClosePipe when done.
func Pipe() (*PipeEndpoint, *PipeEndpoint) {
	a := newPipeEndpoint()
	b := newPipeEndpoint()
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEndpoint() *PipeEndpoint {
	p := &PipeEndpoint{
		listeners: make(map[uint64]func(msg []byte)),
		inbound:   queue.NewConcurrentQueue(20),
		closed:    make(chan struct{}),
	}
	p.inbound.Start()

	p.wg.Add(1)
	go p.dispatch()

	return p
}

// dispatch delivers queued inbound messages to the registered listeners in
// order.
func (p *PipeEndpoint) dispatch() {
	defer p.wg.Done()

	for {
		select {
		case raw := <-p.inbound.ChanOut():
			msg := raw.([]byte)

			p.mtx.Lock()
			ids := make([]uint64, 0, len(p.listeners))
			for id := range p.listeners {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool {
				return ids[i] < ids[j]
			})
			fns := make([]func([]byte), 0, len(ids))
			for _, id := range ids {
				fns = append(fns, p.listeners[id])
			}
			p.mtx.Unlock()

			for _, fn := range fns {
				fn(msg)
			}

		case <-p.closed:
			return
		}
	}
}

// Send enqueues the message on the peer endpoint.
func (p *PipeEndpoint) Send(msg []byte) error {
	peer := p.peer

	select {
	case <-p.closed:
		return ErrChannelClosed
	case <-peer.closed:
		return ErrChannelClosed
	default:
	}

	cp := make([]byte, len(msg))
	copy(cp, msg)

	select {
	case peer.inbound.ChanIn() <- cp:
		return nil
	case <-peer.closed:
		return ErrChannelClosed
	}
}

// Listen registers a listener for inbound messages.
func (p *PipeEndpoint) Listen(fn func(msg []byte)) (func(), error) {
	select {
	case <-p.closed:
		return nil, ErrChannelClosed
	default:
	}

	p.mtx.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mtx.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mtx.Lock()
			delete(p.listeners, id)
			p.mtx.Unlock()
		})
	}
	return cancel, nil
}

// Close tears the endpoint down. Further sends from either side fail with
// ErrChannelClosed.
func (p *PipeEndpoint) Close() {
	p.once.Do(func() {
		close(p.closed)
	})
	p.wg.Wait()
	p.inbound.Stop()
}
