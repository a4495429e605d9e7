package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const receiveTimeout = 5 * time.Second

func newTestPipe(t *testing.T) (*PipeEndpoint, *PipeEndpoint) {
	t.Helper()

	local, remote := Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

// respondWith replies to every request seen on the endpoint using the given
// function, which returns the raw message to send back.
func respondWith(t *testing.T, remote *PipeEndpoint,
	fn func(req *Request) []byte) {

	t.Helper()

	_, err := remote.Listen(func(msg []byte) {
		req, ok := ParseRequest(msg)
		if !ok {
			return
		}
		if reply := fn(req); reply != nil {
			require.NoError(t, remote.Send(reply))
		}
	})
	require.NoError(t, err)
}

// TestClientCall tests a simple call round trip including argument
// serialization.
func TestClientCall(t *testing.T) {
	t.Parallel()

	local, remote := newTestPipe(t)
	client := NewClient(local)

	respondWith(t, remote, func(req *Request) []byte {
		require.Equal(t, "getAccount", req.Method)
		require.Len(t, req.Args, 1)
		require.JSONEq(t, `"0xaaa"`, string(req.Args[0]))

		resp, err := NewResponse(req.ID, map[string]string{
			"address": "0xaaa",
		})
		require.NoError(t, err)
		return mustMarshal(resp)
	})

	result, err := client.Call(
		context.Background(), "getAccount", "0xaaa",
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"address":"0xaaa"}`, string(result))
}

// TestClientCallError tests that a wire error response surfaces as *Error.
func TestClientCallError(t *testing.T) {
	t.Parallel()

	local, remote := newTestPipe(t)
	client := NewClient(local)

	respondWith(t, remote, func(req *Request) []byte {
		return mustMarshal(NewErrorResponse(req.ID, ErrUnauthorized))
	})

	_, err := client.Call(context.Background(), "getAccount")
	require.Error(t, err)

	var wireErr *Error
	require.ErrorAs(t, err, &wireErr)
	require.Equal(t, CodeUnauthorized, wireErr.Code)
}

// TestClientCorrelation tests that concurrent calls each resolve with their
// own result even when the responses arrive out of order, and that noise
// and unknown-id responses never resolve anything.
func TestClientCorrelation(t *testing.T) {
	t.Parallel()

	local, remote := newTestPipe(t)
	client := NewClient(local)

	// Collect both requests before answering either.
	var (
		mtx      sync.Mutex
		requests []*Request
	)
	gotBoth := make(chan struct{})
	_, err := remote.Listen(func(msg []byte) {
		req, ok := ParseRequest(msg)
		if !ok {
			return
		}
		mtx.Lock()
		requests = append(requests, req)
		if len(requests) == 2 {
			close(gotBoth)
		}
		mtx.Unlock()
	})
	require.NoError(t, err)

	type callResult struct {
		result json.RawMessage
		err    error
	}
	callA := make(chan callResult, 1)
	callB := make(chan callResult, 1)
	go func() {
		result, err := client.Call(
			context.Background(), "getAccount",
		)
		callA <- callResult{result, err}
	}()
	go func() {
		result, err := client.Call(
			context.Background(), "getNetwork",
		)
		callB <- callResult{result, err}
	}()

	select {
	case <-gotBoth:
	case <-time.After(receiveTimeout):
		t.Fatal("requests not received")
	}

	mtx.Lock()
	byMethod := make(map[string]*Request)
	for _, req := range requests {
		byMethod[req.Method] = req
	}
	mtx.Unlock()

	// Interleave noise and an unknown-id response before the real ones.
	require.NoError(t, remote.Send([]byte(`random garbage`)))
	require.NoError(t, remote.Send(mustMarshal(NewErrorResponse(
		"no-such-id", ErrInternal,
	))))

	// Answer in reverse order of submission possibilities: network
	// first, then account.
	resp, err := NewResponse(byMethod["getNetwork"].ID, "network-result")
	require.NoError(t, err)
	require.NoError(t, remote.Send(mustMarshal(resp)))

	resp, err = NewResponse(byMethod["getAccount"].ID, "account-result")
	require.NoError(t, err)
	require.NoError(t, remote.Send(mustMarshal(resp)))

	select {
	case res := <-callA:
		require.NoError(t, res.err)
		require.JSONEq(t, `"account-result"`, string(res.result))
	case <-time.After(receiveTimeout):
		t.Fatal("getAccount call did not resolve")
	}

	select {
	case res := <-callB:
		require.NoError(t, res.err)
		require.JSONEq(t, `"network-result"`, string(res.result))
	case <-time.After(receiveTimeout):
		t.Fatal("getNetwork call did not resolve")
	}
}

// TestClientCallContext tests that an expired context fails the call
// without leaking the pending entry.
func TestClientCallContext(t *testing.T) {
	t.Parallel()

	local, _ := newTestPipe(t)
	client := NewClient(local)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Call(ctx, "getAccount")
	require.ErrorIs(t, err, context.Canceled)
}

// TestClientEvents tests On/Off set semantics and the lazily attached
// channel listener: events only reach handlers registered at delivery time.
func TestClientEvents(t *testing.T) {
	t.Parallel()

	local, remote := newTestPipe(t)
	client := NewClient(local)

	received := make(chan json.RawMessage, 10)
	first := NewListener(func(args json.RawMessage) {
		received <- args
	})
	second := NewListener(func(args json.RawMessage) {
		received <- args
	})

	sendEvent := func(name, args string) {
		payload := []byte(`{"name":"` + name + `","args":` + args +
			`}`)
		require.NoError(t, remote.Send(payload))
	}

	waitArgs := func() string {
		select {
		case args := <-received:
			return string(args)
		case <-time.After(receiveTimeout):
			t.Fatal("no event delivered")
			return ""
		}
	}

	requireNone := func() {
		select {
		case args := <-received:
			t.Fatalf("unexpected event: %s", args)
		case <-time.After(50 * time.Millisecond):
		}
	}

	// No handler registered: the event is dropped at the channel level.
	sendEvent("accountChange", `{"address":"0x1"}`)
	requireNone()

	require.NoError(t, client.On("accountChange", first))
	require.NoError(t, client.On("accountChange", second))

	// Re-registering the same listener pointer is a no-op.
	require.NoError(t, client.On("accountChange", first))

	sendEvent("accountChange", `{"address":"0x2"}`)
	require.JSONEq(t, `{"address":"0x2"}`, waitArgs())
	require.JSONEq(t, `{"address":"0x2"}`, waitArgs())
	requireNone()

	// Events with other names do not reach these handlers.
	sendEvent("networkChange", `{"name":"testnet"}`)
	requireNone()

	client.Off("accountChange", first)
	sendEvent("accountChange", `{"address":"0x3"}`)
	require.JSONEq(t, `{"address":"0x3"}`, waitArgs())
	requireNone()

	// Removing the last handler detaches the channel listener again.
	client.Off("accountChange", second)
	sendEvent("accountChange", `{"address":"0x4"}`)
	requireNone()
}
