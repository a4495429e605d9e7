package notifier

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/seclave/walletd/statedb"
	"github.com/stretchr/testify/require"
)

const receiveTimeout = 5 * time.Second

// tickInterval is effectively disabled; tests force-feed ticks instead.
const tickInterval = time.Hour

func newTestNotifier(t *testing.T) (*Notifier, *ticker.Force) {
	t.Helper()

	mockTicker := ticker.NewForce(tickInterval)
	n := New(mockTicker)
	require.NoError(t, n.Start())
	t.Cleanup(func() {
		require.NoError(t, n.Stop())
	})

	return n, mockTicker
}

func snapshot(pairs ...string) statedb.Snapshot {
	s := make(statedb.Snapshot)
	for i := 0; i < len(pairs); i += 2 {
		s[pairs[i]] = []byte(pairs[i+1])
	}
	return s
}

func tick(t *testing.T, mockTicker *ticker.Force) {
	t.Helper()

	select {
	case mockTicker.Force <- time.Now():
	case <-time.After(receiveTimeout):
		t.Fatal("notifier did not consume tick")
	}
}

func waitEvent(t *testing.T, client *Client) Event {
	t.Helper()

	select {
	case event := <-client.Events():
		return event.(Event)
	case <-time.After(receiveTimeout):
		t.Fatal("no event delivered")
		return nil
	}
}

func requireNoEvent(t *testing.T, client *Client) {
	t.Helper()

	select {
	case event := <-client.Events():
		t.Fatalf("unexpected event: %v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

// grantedState returns a snapshot where 0xaaa is active and the app origin
// holds a grant for it.
func grantedState() statedb.Snapshot {
	return snapshot(
		statedb.KeyActiveAccountAddress, "0xaaa",
		statedb.KeyActiveAccountPublicKey, "pub-aaa",
		statedb.KeyPermissions,
		`{"0xaaa":["https://app.example.com"],"0xbbb":["https://app.example.com"]}`,
		statedb.KeyNetworkName, "mainnet",
		statedb.KeyChainID, "1",
	)
}

// TestAccountChange tests that switching the active account notifies origins
// granted on the new address and disconnects the rest.
func TestAccountChange(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)
	other, err := n.SubscribeOrigin("https://other.example.com")
	require.NoError(t, err)

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyActiveAccountAddress:   []byte("0xbbb"),
		statedb.KeyActiveAccountPublicKey: []byte("pub-bbb"),
	})

	n.OnCommit(old, new)
	tick(t, mockTicker)

	event := waitEvent(t, app)
	change, ok := event.(*AccountChangeEvent)
	require.True(t, ok)
	require.Equal(t, "0xbbb", change.Address)
	require.Equal(t, "pub-bbb", change.PublicKey)

	// The origin without a grant on either address sees nothing.
	requireNoEvent(t, other)
}

// TestAccountChangeToUngranted tests that an origin granted only on the old
// address observes a disconnect, not an account change.
func TestAccountChangeToUngranted(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyActiveAccountAddress:   []byte("0xccc"),
		statedb.KeyActiveAccountPublicKey: []byte("pub-ccc"),
	})

	n.OnCommit(old, new)
	tick(t, mockTicker)

	event := waitEvent(t, app)
	disconnect, ok := event.(*DisconnectEvent)
	require.True(t, ok)
	require.Equal(t, "0xaaa", disconnect.Address)

	requireNoEvent(t, app)
}

// TestNoAccountTransitionSilent tests that clearing the active account emits
// the disconnect edge but never an account change.
func TestNoAccountTransitionSilent(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyActiveAccountAddress:   nil,
		statedb.KeyActiveAccountPublicKey: nil,
	})

	n.OnCommit(old, new)
	tick(t, mockTicker)

	event := waitEvent(t, app)
	_, ok := event.(*DisconnectEvent)
	require.True(t, ok)
	requireNoEvent(t, app)
}

// TestNetworkChange tests that network switches reach connected origins
// only, with the payload read from the post-state.
func TestNetworkChange(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)
	stranger, err := n.SubscribeOrigin("https://stranger.example.com")
	require.NoError(t, err)

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyNetworkName: []byte("testnet"),
		statedb.KeyChainID:     []byte("2"),
		statedb.KeyNetworkURL:  []byte("https://testnet.example.com"),
	})

	n.OnCommit(old, new)
	tick(t, mockTicker)

	event := waitEvent(t, app)
	change, ok := event.(*NetworkChangeEvent)
	require.True(t, ok)
	require.Equal(t, "testnet", change.Name)
	require.Equal(t, "2", change.ChainID)
	require.Equal(t, "https://testnet.example.com", change.URL)

	requireNoEvent(t, stranger)
}

// TestRevocationDisconnect tests that revoking the grant for the active
// account disconnects the origin.
func TestRevocationDisconnect(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyPermissions: []byte(`{}`),
	})

	n.OnCommit(old, new)
	tick(t, mockTicker)

	event := waitEvent(t, app)
	disconnect, ok := event.(*DisconnectEvent)
	require.True(t, ok)
	require.Equal(t, "0xaaa", disconnect.Address)

	// The next tick with no commits in between delivers nothing; the
	// disconnect is an edge, not a level.
	tick(t, mockTicker)
	requireNoEvent(t, app)
}

// TestCoalescing tests that several commits between two ticks collapse into
// a single diff window.
func TestCoalescing(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)

	s0 := grantedState()
	s1 := s0.Apply(statedb.Changes{
		statedb.KeyActiveAccountAddress:   []byte("0xbbb"),
		statedb.KeyActiveAccountPublicKey: []byte("pub-bbb"),
	})
	s2 := s1.Apply(statedb.Changes{
		statedb.KeyActiveAccountAddress:   []byte("0xaaa"),
		statedb.KeyActiveAccountPublicKey: []byte("pub-aaa"),
	})

	// The burst nets out to no change at all, so the tick emits nothing.
	n.OnCommit(s0, s1)
	n.OnCommit(s1, s2)
	tick(t, mockTicker)

	requireNoEvent(t, app)
}

// TestCancelSubscription tests that a cancelled client stops receiving
// events.
func TestCancelSubscription(t *testing.T) {
	t.Parallel()

	n, mockTicker := newTestNotifier(t)

	app, err := n.SubscribeOrigin("https://app.example.com")
	require.NoError(t, err)

	app.Cancel()

	select {
	case <-app.Quit():
	case <-time.After(receiveTimeout):
		t.Fatal("client quit channel not closed")
	}

	old := grantedState()
	new := old.Apply(statedb.Changes{
		statedb.KeyNetworkName: []byte("testnet"),
	})
	n.OnCommit(old, new)
	tick(t, mockTicker)
}
