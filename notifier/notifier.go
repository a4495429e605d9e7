// Package notifier derives push events from wallet state commits and fans
// them out to subscribed origins. Commits are coalesced per tick so that a
// burst of mutations produces at most one event per category.
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/seclave/walletd/perms"
	"github.com/seclave/walletd/statedb"
)

// ErrNotifierShuttingDown is an error returned in case the notifier is in
// the process of shutting down.
var ErrNotifierShuttingDown = errors.New("notifier shutting down")

// Client is used to get notified about events relevant to one origin.
type Client struct {
	origin string

	// cancel should be called in case the client no longer wants to
	// subscribe for events from the notifier.
	cancel func()

	events *queue.ConcurrentQueue
	quit   chan struct{}
}

// Events returns a read-only channel where the events targeted at the
// client's origin will be delivered.
func (c *Client) Events() <-chan interface{} {
	return c.events.ChanOut()
}

// Quit is a channel that will be closed in case the notifier decides to no
// longer deliver events to this client.
func (c *Client) Quit() <-chan struct{} {
	return c.quit
}

// Cancel should be called in case the client no longer wants to subscribe
// for events from the notifier.
func (c *Client) Cancel() {
	c.cancel()
}

// Origin returns the origin this client subscribed with.
func (c *Client) Origin() string {
	return c.origin
}

// clientUpdate is an internal message sent to the eventHandler to either
// register a new client or cancel an existing subscription.
type clientUpdate struct {
	cancel   bool
	clientID uint64
	client   *Client
}

// commitPair carries the before and after snapshots of one state commit.
type commitPair struct {
	old statedb.Snapshot
	new statedb.Snapshot
}

// Notifier watches wallet state commits and pushes derived events to
// subscribed origins.
type Notifier struct {
	clientCounter uint64 // To be used atomically.

	started uint32 // To be used atomically.
	stopped uint32 // To be used atomically.

	clients       map[uint64]*Client
	clientUpdates chan *clientUpdate

	commits chan commitPair

	// ticker paces event emission. Commits arriving between two ticks
	// collapse into a single diff from the oldest pre-state to the
	// newest post-state.
	ticker ticker.Ticker

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns a new Notifier paced by the given ticker.
func New(t ticker.Ticker) *Notifier {
	return &Notifier{
		clients:       make(map[uint64]*Client),
		clientUpdates: make(chan *clientUpdate),
		commits:       make(chan commitPair),
		ticker:        t,
		quit:          make(chan struct{}),
	}
}

// Start starts the Notifier, making it ready to accept subscriptions and
// state commits.
func (n *Notifier) Start() error {
	if !atomic.CompareAndSwapUint32(&n.started, 0, 1) {
		return nil
	}

	n.ticker.Resume()

	n.wg.Add(1)
	go n.eventHandler()

	return nil
}

// Stop stops the notifier.
func (n *Notifier) Stop() error {
	if !atomic.CompareAndSwapUint32(&n.stopped, 0, 1) {
		return nil
	}

	close(n.quit)
	n.wg.Wait()
	n.ticker.Stop()

	return nil
}

// SubscribeOrigin returns a Client that will receive the events targeted at
// the given origin.
func (n *Notifier) SubscribeOrigin(origin string) (*Client, error) {
	clientID := atomic.AddUint64(&n.clientCounter, 1)

	client := &Client{
		origin: origin,
		events: queue.NewConcurrentQueue(20),
		quit:   make(chan struct{}),
		cancel: func() {
			select {
			case n.clientUpdates <- &clientUpdate{
				cancel:   true,
				clientID: clientID,
			}:
			case <-n.quit:
				return
			}
		},
	}

	select {
	case n.clientUpdates <- &clientUpdate{
		cancel:   false,
		clientID: clientID,
		client:   client,
	}:
	case <-n.quit:
		return nil, ErrNotifierShuttingDown
	}

	return client, nil
}

// OnCommit feeds one state commit into the notifier. It is meant to be
// registered as a commit hook on the state database.
func (n *Notifier) OnCommit(old, new statedb.Snapshot) {
	select {
	case n.commits <- commitPair{old: old, new: new}:
	case <-n.quit:
	}
}

// eventHandler is the main handler for the Notifier. It absorbs incoming
// commits, coalesces them between ticks, and forwards the derived events to
// the registered clients.
//
// NOTE: MUST be run as a goroutine.
func (n *Notifier) eventHandler() {
	defer n.wg.Done()

	var (
		pending    bool
		pendingOld statedb.Snapshot
		pendingNew statedb.Snapshot
	)

	for {
		select {

		// If a client update is received, then either a new
		// subscription becomes active, or we cancel an existing one.
		case update := <-n.clientUpdates:
			clientID := update.clientID

			if update.cancel {
				client, ok := n.clients[update.clientID]
				if ok {
					client.events.Stop()
					close(client.quit)
					delete(n.clients, clientID)
				}

				continue
			}

			update.client.events.Start()
			n.clients[update.clientID] = update.client

		// A new commit was received. Keep the pre-state of the first
		// commit in this window and the post-state of the latest.
		case commit := <-n.commits:
			if !pending {
				pendingOld = commit.old
				pending = true
			}
			pendingNew = commit.new

		// On every tick, the coalesced window is diffed and the
		// derived events delivered.
		case <-n.ticker.Ticks():
			if !pending {
				continue
			}
			pending = false

			for _, client := range n.clients {
				events := deriveEvents(
					pendingOld, pendingNew, client.origin,
				)
				if len(events) > 0 {
					log.Debugf("Delivering %d event(s) "+
						"to %v", len(events),
						client.origin)
				}
				for _, event := range events {
					select {
					case client.events.ChanIn() <- event:
					case <-client.quit:
					case <-n.quit:
						return
					}
				}
			}

		case <-n.quit:
			for _, client := range n.clients {
				client.events.Stop()
				close(client.quit)
			}
			return
		}
	}
}

// deriveEvents computes the events one origin should observe for a state
// transition. At most one event per category is produced.
func deriveEvents(old, new statedb.Snapshot, origin string) []Event {
	var events []Event

	oldAddr := string(old.Get(statedb.KeyActiveAccountAddress))
	newAddr := string(new.Get(statedb.KeyActiveAccountAddress))

	connectedTo := func(s statedb.Snapshot, addr string) bool {
		if addr == "" {
			return false
		}
		set := perms.DecodeOrigins(s.Get(statedb.KeyPermissions), addr)
		return set.Contains(origin)
	}

	wasConnected := connectedTo(old, oldAddr)
	isConnected := connectedTo(new, newAddr)

	// The active account moved to an address this origin may act on. A
	// transition to no account at all is deliberately silent; the
	// disconnect edge below covers it.
	if oldAddr != newAddr && newAddr != "" && isConnected {
		events = append(events, &AccountChangeEvent{
			Address: newAddr,
			PublicKey: string(new.Get(
				statedb.KeyActiveAccountPublicKey,
			)),
		})
	}

	// The network switched. Only origins currently connected observe it.
	if isConnected && networkChanged(old, new) {
		events = append(events, &NetworkChangeEvent{
			Name:    string(new.Get(statedb.KeyNetworkName)),
			ChainID: string(new.Get(statedb.KeyChainID)),
			URL:     string(new.Get(statedb.KeyNetworkURL)),
		})
	}

	// The origin lost access, either through revocation or because the
	// active account moved away. This is an edge, not a level: only the
	// transition emits.
	if wasConnected && !isConnected {
		events = append(events, &DisconnectEvent{Address: oldAddr})
	}

	return events
}

func networkChanged(old, new statedb.Snapshot) bool {
	for _, key := range []string{
		statedb.KeyNetworkName, statedb.KeyChainID,
		statedb.KeyNetworkURL,
	} {
		if string(old.Get(key)) != string(new.Get(key)) {
			return true
		}
	}
	return false
}
