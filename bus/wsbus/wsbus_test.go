package wsbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nvr-ai/go-detbus/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func listen(t *testing.T) *Server {
	t.Helper()
	srv, err := Listen(ServerConfig{Endpoint: "127.0.0.1:0", HighWaterMark: 16}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func dial(t *testing.T, srv *Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientConfig{Endpoint: srv.Addr(), ReconnectInterval: 10 * time.Millisecond}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// receive reads one message or fails the test after a timeout.
func receive(t *testing.T, c *Client) string {
	t.Helper()
	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := c.Receive()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return string(r.msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func TestFanOutToConnectedSubscribers(t *testing.T) {
	srv := listen(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.Equal(t, 2, srv.Subscribers())

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, srv.Broadcast([]byte(msg)))
	}

	for _, c := range []*Client{a, b} {
		assert.Equal(t, "first", receive(t, c))
		assert.Equal(t, "second", receive(t, c))
		assert.Equal(t, "third", receive(t, c))
	}
}

func TestLateSubscriberMissesEarlierMessages(t *testing.T) {
	srv := listen(t)
	early := dial(t, srv)

	require.NoError(t, srv.Broadcast([]byte("before")))
	assert.Equal(t, "before", receive(t, early))

	late := dial(t, srv)
	require.NoError(t, srv.Broadcast([]byte("after")))

	assert.Equal(t, "after", receive(t, late))
	assert.Equal(t, "after", receive(t, early))
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	srv := listen(t)
	assert.Equal(t, 0, srv.Subscribers())
	require.NoError(t, srv.Broadcast([]byte("nobody listens")))
}

func TestDisconnectedSubscriberIsDetached(t *testing.T) {
	srv := listen(t)
	c := dial(t, srv)
	require.Equal(t, 1, srv.Subscribers())

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return srv.Subscribers() == 0 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Broadcast([]byte("dropped silently")))
}

func TestClientCloseUnblocksReceive(t *testing.T) {
	srv := listen(t)
	c := dial(t, srv)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Receive()
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, bus.ErrClosed), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("receive did not return after close")
	}

	_, err := c.Receive()
	assert.True(t, errors.Is(err, bus.ErrClosed))
}

func TestDialFailsWithoutPublisher(t *testing.T) {
	srv := listen(t)
	addr := srv.Addr()
	require.NoError(t, srv.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientConfig{Endpoint: addr}, nil)
	assert.Error(t, err)
}

func TestServerCloseRejectsBroadcast(t *testing.T) {
	srv := listen(t)
	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	assert.True(t, errors.Is(srv.Broadcast([]byte("x")), bus.ErrClosed))
}

func TestServerCloseFlushesQueuedMessages(t *testing.T) {
	srv := listen(t)
	c := dial(t, srv)

	for _, msg := range []string{"first", "second", "third"} {
		require.NoError(t, srv.Broadcast([]byte(msg)))
	}
	require.NoError(t, srv.Close())

	assert.Equal(t, "first", receive(t, c))
	assert.Equal(t, "second", receive(t, c))
	assert.Equal(t, "third", receive(t, c))
}

func TestCloseWhileSubscribersConnect(t *testing.T) {
	// Handlers may still be finishing after Close returns, so nothing here
	// logs through the test.
	srv, err := Listen(ServerConfig{Endpoint: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	url := srv.URL()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				conn, _, err := websocket.DefaultDialer.Dial(url, nil)
				if err != nil {
					return
				}
				_ = conn.Close()
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, srv.Close())
	close(stop)
	wg.Wait()

	assert.Equal(t, 0, srv.Subscribers())
}
