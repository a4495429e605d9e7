package bridge

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Listener wraps one event handler. Registering the same Listener pointer
// twice is a no-op; Off removes exactly the pointer it is given, so two
// handlers with identical functions stay distinct.
type Listener struct {
	fn func(args json.RawMessage)
}

// NewListener wraps the handler function.
func NewListener(fn func(args json.RawMessage)) *Listener {
	return &Listener{fn: fn}
}

// Client is the caller side of the bridge. Any number of calls may be
// outstanding concurrently; responses are matched by request id. The client
// imposes no timeout of its own; callers bound a call via its context.
type Client struct {
	channel MessageChannel

	// handlerMtx guards the event handler sets and the lazily attached
	// channel listener.
	handlerMtx   sync.Mutex
	handlers     map[string]map[*Listener]struct{}
	detachEvents func()
	handlerCount int
}

// NewClient creates a client on top of the given message channel.
func NewClient(channel MessageChannel) *Client {
	return &Client{
		channel:  channel,
		handlers: make(map[string]map[*Listener]struct{}),
	}
}

// Call invokes the named method with the given arguments and blocks until
// the matching response arrives or the context ends. Wire-level failures
// are returned as *Error.
func (c *Client) Call(ctx context.Context, method string,
	args ...interface{}) (json.RawMessage, error) {

	id := uuid.NewString()

	encodedArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		encoded, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		encodedArgs = append(encodedArgs, encoded)
	}

	payload, err := json.Marshal(&Request{
		Type:   typeRequest,
		ID:     id,
		Method: method,
		Args:   encodedArgs,
	})
	if err != nil {
		return nil, err
	}

	// Register the single-use response listener before sending so a fast
	// peer cannot race the response past us. Unrelated traffic on the
	// channel is silently ignored here.
	respChan := make(chan *Response, 1)
	var deliverOnce sync.Once
	cancel, err := c.channel.Listen(func(msg []byte) {
		resp, ok := ParseResponse(msg)
		if !ok || resp.ID != id {
			return
		}
		deliverOnce.Do(func() {
			respChan <- resp
		})
	})
	if err != nil {
		return nil, err
	}

	// The listener is removed exactly once regardless of outcome.
	defer cancel()

	if err := c.channel.Send(payload); err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// On registers a handler for the named event. Multiple handlers may be
// registered per event. The underlying channel listener is attached lazily
// while at least one handler is registered for any event.
func (c *Client) On(event string, l *Listener) error {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()

	set, ok := c.handlers[event]
	if !ok {
		set = make(map[*Listener]struct{})
		c.handlers[event] = set
	}
	if _, ok := set[l]; ok {
		return nil
	}
	set[l] = struct{}{}
	c.handlerCount++

	if c.handlerCount == 1 {
		detach, err := c.channel.Listen(c.onEventMessage)
		if err != nil {
			delete(set, l)
			c.handlerCount--
			return err
		}
		c.detachEvents = detach
	}
	return nil
}

// Off removes a previously registered handler. Removing the last handler
// detaches the underlying channel listener.
func (c *Client) Off(event string, l *Listener) {
	c.handlerMtx.Lock()
	defer c.handlerMtx.Unlock()

	set, ok := c.handlers[event]
	if !ok {
		return
	}
	if _, ok := set[l]; !ok {
		return
	}
	delete(set, l)
	if len(set) == 0 {
		delete(c.handlers, event)
	}
	c.handlerCount--

	if c.handlerCount == 0 && c.detachEvents != nil {
		c.detachEvents()
		c.detachEvents = nil
	}
}

// onEventMessage dispatches an inbound event to the handlers registered for
// its name. Non-event traffic is ignored.
func (c *Client) onEventMessage(msg []byte) {
	event, ok := ParseEvent(msg)
	if !ok {
		return
	}

	c.handlerMtx.Lock()
	listeners := make([]*Listener, 0, len(c.handlers[event.Name]))
	for l := range c.handlers[event.Name] {
		listeners = append(listeners, l)
	}
	c.handlerMtx.Unlock()

	for _, l := range listeners {
		l.fn(event.Args)
	}
}
