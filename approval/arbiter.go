// Package approval implements the human-arbitrated decision protocol that
// gates sensitive wallet capabilities. An unauthorized capability call turns
// into a pending request delivered to a decision surface; the surface
// resolves it exactly once, or the per-request timeout does.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/clock"
)

// Capability identifies a gated wallet operation. The set is closed; a
// request carrying anything else is rejected before it reaches the decision
// surface.
type Capability string

const (
	CapConnect         Capability = "connect"
	CapSignTransaction Capability = "signTransaction"
	CapSignAndSubmit   Capability = "signAndSubmitTransaction"
	CapSignMultiAgent  Capability = "signMultiAgentTransaction"
	CapSignMessage     Capability = "signMessage"
)

// Valid reports whether the capability is part of the closed set.
func (c Capability) Valid() bool {
	switch c {
	case CapConnect, CapSignTransaction, CapSignAndSubmit,
		CapSignMultiAgent, CapSignMessage:

		return true
	}
	return false
}

// Outcome is the terminal state of an approval request.
type Outcome uint8

const (
	// OutcomeApproved means the user granted the capability.
	OutcomeApproved Outcome = iota

	// OutcomeRejected means the user declined, or dismissed the decision
	// surface without an explicit answer.
	OutcomeRejected

	// OutcomeTimeout means the request expired before the user decided.
	OutcomeTimeout
)

// String returns a human readable outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("unknown<%d>", o)
	}
}

// Decision is the resolution of a single approval request.
type Decision struct {
	Outcome Outcome
}

// Request is one pending capability decision. It is created when an
// unauthorized capability check needs a human answer and discarded once
// resolved.
type Request struct {
	// ID correlates the request with its eventual resolution.
	ID uuid.UUID

	// Origin is the external origin asking for the capability.
	Origin string

	// Capability is the gated operation being requested.
	Capability Capability

	// Payload carries the capability-specific request data for display
	// on the decision surface.
	Payload json.RawMessage

	// ReceivedAt is when the arbiter accepted the request.
	ReceivedAt time.Time
}

// Prompter is the decision surface. Prompt is invoked with at most one
// outstanding request at a time; further requests queue behind it. Prompt
// must not block. Dismiss tells the surface a prompted request expired and
// no longer awaits an answer.
type Prompter interface {
	Prompt(req *Request)
	Dismiss(id uuid.UUID)
}

var (
	// ErrUnknownRequest is returned when resolving a request id that is
	// not pending, which includes ids that were already resolved.
	ErrUnknownRequest = fmt.Errorf("unknown approval request")

	// ErrShuttingDown is returned for requests pending at shutdown.
	ErrShuttingDown = fmt.Errorf("approval arbiter shutting down")

	// ErrInvalidCapability is returned when submitting a request whose
	// capability is outside the closed set.
	ErrInvalidCapability = fmt.Errorf("invalid capability")
)

// pendingRequest pairs a request with the channel its decision is delivered
// on. The channel is buffered so resolution never blocks on the waiter.
type pendingRequest struct {
	req      *Request
	decision chan Decision
}

// Arbiter owns the pending-request table. Each Submit call blocks its caller
// until the request is resolved through Resolve, expires, or the arbiter
// shuts down. Requests are delivered to the prompter one at a time in FIFO
// order; a request queued behind another still times out on its own clock.
type Arbiter struct {
	started sync.Once
	stopped sync.Once

	clock   clock.Clock
	timeout time.Duration

	prompter Prompter

	mtx     sync.Mutex
	pending map[uuid.UUID]*pendingRequest

	// backlog holds requests accepted but not yet prompted, in arrival
	// order. The head of the backlog is the request currently shown on
	// the decision surface.
	backlog []*pendingRequest

	quit chan struct{}
}

// NewArbiter creates an arbiter delivering requests to the given prompter.
// Each request expires after the given timeout.
func NewArbiter(prompter Prompter, c clock.Clock,
	timeout time.Duration) *Arbiter {

	return &Arbiter{
		clock:    c,
		timeout:  timeout,
		prompter: prompter,
		pending:  make(map[uuid.UUID]*pendingRequest),
		quit:     make(chan struct{}),
	}
}

// Stop shuts the arbiter down. All pending requests fail with
// ErrShuttingDown.
func (a *Arbiter) Stop() {
	a.stopped.Do(func() {
		close(a.quit)
	})
}

// Submit registers the request and blocks until it is resolved. The request
// is delivered to the prompter immediately if the surface is free, otherwise
// once all earlier requests have resolved. The timeout starts at submission,
// not at prompt time.
func (a *Arbiter) Submit(ctx context.Context, req *Request) (Decision,
	error) {

	if !req.Capability.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidCapability,
			req.Capability)
	}
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	req.ReceivedAt = a.clock.Now()

	pending := &pendingRequest{
		req:      req,
		decision: make(chan Decision, 1),
	}

	a.mtx.Lock()
	select {
	case <-a.quit:
		a.mtx.Unlock()
		return Decision{}, ErrShuttingDown
	default:
	}

	a.pending[req.ID] = pending
	a.backlog = append(a.backlog, pending)
	promptNow := len(a.backlog) == 1
	a.mtx.Unlock()

	log.Debugf("Approval request %v: %v from %v", req.ID,
		req.Capability, req.Origin)

	if promptNow {
		a.prompter.Prompt(req)
	}

	select {
	case decision := <-pending.decision:
		log.Infof("Approval request %v resolved: %v", req.ID,
			decision.Outcome)
		return decision, nil

	case <-a.clock.TickAfter(a.timeout):
		// The timeout raced with a resolution. Whoever removes the
		// request from the pending table wins; if resolution won, the
		// decision is already buffered.
		if !a.finalize(req.ID) {
			return <-pending.decision, nil
		}

		log.Infof("Approval request %v timed out after %v", req.ID,
			a.timeout)

		a.prompter.Dismiss(req.ID)
		return Decision{Outcome: OutcomeTimeout}, nil

	case <-ctx.Done():
		if !a.finalize(req.ID) {
			return <-pending.decision, nil
		}

		a.prompter.Dismiss(req.ID)
		return Decision{}, ctx.Err()

	case <-a.quit:
		return Decision{}, ErrShuttingDown
	}
}

// Resolve delivers the decision for a pending request. Each request resolves
// exactly once; resolving an unknown or already resolved id fails with
// ErrUnknownRequest.
func (a *Arbiter) Resolve(id uuid.UUID, decision Decision) error {
	a.mtx.Lock()
	pending, ok := a.pending[id]
	a.mtx.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	if !a.finalize(id) {
		return ErrUnknownRequest
	}

	pending.decision <- decision
	return nil
}

// Dismiss resolves a pending request as rejected. Decision surfaces call
// this when the user closes the prompt without an explicit answer.
func (a *Arbiter) Dismiss(id uuid.UUID) error {
	return a.Resolve(id, Decision{Outcome: OutcomeRejected})
}

// PendingCount returns the number of unresolved requests, including queued
// ones.
func (a *Arbiter) PendingCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	return len(a.pending)
}

// finalize removes the request from the pending table and advances the
// prompt queue. It returns false if the request was already finalized, which
// makes it the single point deciding resolution races.
func (a *Arbiter) finalize(id uuid.UUID) bool {
	a.mtx.Lock()

	if _, ok := a.pending[id]; !ok {
		a.mtx.Unlock()
		return false
	}
	delete(a.pending, id)

	var next *Request
	for i, pending := range a.backlog {
		if pending.req.ID != id {
			continue
		}

		wasHead := i == 0
		a.backlog = append(a.backlog[:i], a.backlog[i+1:]...)

		// If the finalized request occupied the surface, the next
		// queued request takes its place.
		if wasHead && len(a.backlog) > 0 {
			next = a.backlog[0].req
		}
		break
	}
	a.mtx.Unlock()

	if next != nil {
		a.prompter.Prompt(next)
	}
	return true
}
