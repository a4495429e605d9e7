package bridge

import (
	"sort"
	"sync"

	"github.com/gorilla/websocket"
)

// WSChannel adapts a websocket connection to the MessageChannel interface.
// Each text frame is one message. The read loop runs for the lifetime of
// the connection; listeners registered later only observe messages arriving
// after registration.
type WSChannel struct {
	conn *websocket.Conn

	// writeMtx serializes frame writes, which the websocket connection
	// itself does not allow concurrently.
	writeMtx sync.Mutex

	mtx       sync.Mutex
	listeners map[uint64]func(msg []byte)
	nextID    uint64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWSChannel wraps the websocket connection and starts its read loop.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn:      conn,
		listeners: make(map[uint64]func(msg []byte)),
		closed:    make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

func (c *WSChannel) readLoop() {
	defer c.wg.Done()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			log.Debugf("Websocket read loop exiting: %v", err)
			c.closeOnce.Do(func() {
				close(c.closed)
			})
			return
		}

		c.mtx.Lock()
		ids := make([]uint64, 0, len(c.listeners))
		for id := range c.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			return ids[i] < ids[j]
		})
		fns := make([]func([]byte), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, c.listeners[id])
		}
		c.mtx.Unlock()

		for _, fn := range fns {
			fn(msg)
		}
	}
}

// Send writes one text frame to the peer.
func (c *WSChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}

	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Listen registers a listener for inbound messages.
func (c *WSChannel) Listen(fn func(msg []byte)) (func(), error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}

	c.mtx.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mtx.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mtx.Lock()
			delete(c.listeners, id)
			c.mtx.Unlock()
		})
	}
	return cancel, nil
}

// Closed is closed once the underlying connection is gone.
func (c *WSChannel) Closed() <-chan struct{} {
	return c.closed
}

// Close tears the connection down and waits for the read loop to exit.
func (c *WSChannel) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}
