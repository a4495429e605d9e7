package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/seclave/walletd/notifier"
)

// Server is the wallet side of the bridge for one message channel. Each
// inbound request is dispatched on its own goroutine to a fresh Handler
// bound to the caller's origin, and always produces exactly one response.
// Events derived by the notifier are forwarded onto the channel without a
// prior request.
type Server struct {
	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	channel MessageChannel
	deps    *Deps

	// origin, when non-empty, is the transport-authenticated origin of
	// the peer and overrides whatever the request envelope declares.
	origin string

	notifier *notifier.Notifier
	events   *notifier.Client

	detach func()

	ctx       context.Context
	cancelCtx func()
	wg        sync.WaitGroup
}

// NewServer creates a server for one channel. If origin is non-empty, all
// requests on the channel are attributed to it regardless of what their
// envelopes declare.
func NewServer(channel MessageChannel, origin string, deps *Deps,
	n *notifier.Notifier) *Server {

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		channel:   channel,
		deps:      deps,
		origin:    origin,
		notifier:  n,
		ctx:       ctx,
		cancelCtx: cancel,
	}
}

// Start attaches the server to its channel and begins forwarding events for
// the bound origin.
func (s *Server) Start() error {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return nil
	}

	detach, err := s.channel.Listen(s.onMessage)
	if err != nil {
		return err
	}
	s.detach = detach

	if s.notifier != nil && s.origin != "" {
		events, err := s.notifier.SubscribeOrigin(s.origin)
		if err != nil {
			s.detach()
			return err
		}
		s.events = events

		s.wg.Add(1)
		go s.forwardEvents()
	}

	return nil
}

// Stop detaches from the channel, cancels in-flight handlers and waits for
// them to finish.
func (s *Server) Stop() {
	if !atomic.CompareAndSwapUint32(&s.stopped, 0, 1) {
		return
	}

	if s.detach != nil {
		s.detach()
	}
	if s.events != nil {
		s.events.Cancel()
	}
	s.cancelCtx()
	s.wg.Wait()
}

// onMessage handles one raw inbound message. Anything that is not a well
// formed request is silently ignored; the channel is shared with unrelated
// traffic.
func (s *Server) onMessage(msg []byte) {
	req, ok := ParseRequest(msg)
	if !ok {
		return
	}

	origin := s.origin
	if origin == "" {
		origin = req.Origin
	}
	if origin == "" {
		log.Debugf("Dropping request %v with no origin", req.ID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(req, origin)
	}()
}

// dispatch runs one request through a fresh handler and writes exactly one
// response. A panicking handler is mapped to InternalError; no Go-level
// detail ever crosses the boundary.
func (s *Server) dispatch(req *Request, origin string) {
	var (
		result interface{}
		err    error
	)

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Criticalf("Handler panic on %v from "+
					"%v: %v", req.Method, origin, r)
				err = ErrInternal
			}
		}()

		handler := NewHandler(origin, s.deps)
		result, err = handler.Handle(s.ctx, req.Method, req.Args)
	}()

	var resp *Response
	if err != nil {
		resp = NewErrorResponse(req.ID, mapError(err))
	} else {
		resp, err = NewResponse(req.ID, result)
		if err != nil {
			log.Errorf("Failed to serialize result of %v: %v",
				req.Method, err)
			resp = NewErrorResponse(req.ID, ErrInternal)
		}
	}

	if err := s.channel.Send(mustMarshal(resp)); err != nil {
		log.Warnf("Failed to send response %v: %v", req.ID, err)
	}
}

// forwardEvents pushes notifier events for the bound origin onto the
// channel.
func (s *Server) forwardEvents() {
	defer s.wg.Done()

	for {
		select {
		case raw, ok := <-s.events.Events():
			if !ok {
				return
			}
			event := raw.(notifier.Event)

			args, err := json.Marshal(event)
			if err != nil {
				log.Errorf("Failed to serialize event %v: %v",
					event.EventName(), err)
				continue
			}

			payload := mustMarshal(&Event{
				Name: event.EventName(),
				Args: args,
			})
			if err := s.channel.Send(payload); err != nil {
				log.Warnf("Failed to push event %v: %v",
					event.EventName(), err)
			}

		case <-s.events.Quit():
			return

		case <-s.ctx.Done():
			return
		}
	}
}

// mustMarshal serializes a value the server itself constructed. These types
// cannot fail to marshal.
func mustMarshal(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
