package analysis

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTest(t *testing.T, url string) ProgressChannel {
	t.Helper()
	ch, err := NewWebsocketDialer(url).Dial(context.Background(), "req-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

type collected struct {
	mu  sync.Mutex
	cps []Checkpoint
}

func (c *collected) apply(cp Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cps = append(c.cps, cp)
}

func (c *collected) labels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, cp := range c.cps {
		out = append(out, cp.Label)
	}
	return out
}

func TestWebsocketDialerSendsRequestID(t *testing.T) {
	got := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get("X-Request-ID")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	dialTest(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	assert.Equal(t, "req-1", <-got)
}

func TestChannelAppliesInArrivalOrder(t *testing.T) {
	url, _ := progressServer(t, func(c *websocket.Conn) {
		sendProgress(c, 10, 30, "one")
		_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = c.WriteJSON(map[string]any{"type": "heartbeat"})
		sendProgress(c, 30, 60, "two")
		sendProgress(c, 60, 80, "three")
	})
	ch := dialTest(t, url)

	var got collected
	released := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Watch(context.Background(), released, got.apply) }()

	require.Eventually(t, func() bool { return len(got.labels()) == 3 }, 5*time.Second, 5*time.Millisecond)
	close(released)

	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"one", "two", "three"}, got.labels())
	assert.Equal(t, Checkpoint{Start: 30, End: 60, Label: "two"}, got.cps[1])
}

func TestChannelErrorMessage(t *testing.T) {
	url, _ := progressServer(t, func(c *websocket.Conn) {
		_ = c.WriteJSON(map[string]any{"type": "error", "message": "boom"})
	})
	ch := dialTest(t, url)

	err := ch.Watch(context.Background(), make(chan struct{}), func(Checkpoint) {})
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "boom", ce.Error())
}

func TestChannelNormalCloseWaitsForRelease(t *testing.T) {
	url, _ := progressServer(t, func(c *websocket.Conn) {
		sendProgress(c, 10, 20, "only")
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"))
	})
	ch := dialTest(t, url)

	var got collected
	released := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Watch(context.Background(), released, got.apply) }()

	select {
	case err := <-errCh:
		t.Fatalf("watch returned before release: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(released)
	require.NoError(t, <-errCh)
	assert.Equal(t, []string{"only"}, got.labels())
}

func TestChannelAbnormalCloseFails(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.UnderlyingConn().Close()
	}))
	defer srv.Close()

	ch := dialTest(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	err := ch.Watch(context.Background(), make(chan struct{}), func(Checkpoint) {})

	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "WebSocket connection failed", ce.Error())
}

func TestChannelWatchStopsOnContext(t *testing.T) {
	url, _ := progressServer(t, nil)
	ch := dialTest(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, ch.Watch(ctx, make(chan struct{}), func(Checkpoint) {}))
}

func TestChannelCloseIsIdempotent(t *testing.T) {
	url, closed := progressServer(t, nil)
	ch, err := NewWebsocketDialer(url).Dial(context.Background(), "")
	require.NoError(t, err)

	_ = ch.Close()
	assert.NoError(t, ch.Close())
	waitClosed(t, closed)
}

func TestWebsocketDialerFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := NewWebsocketDialer("ws"+strings.TrimPrefix(srv.URL, "http")).Dial(context.Background(), "")
	var ce *ChannelError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "WebSocket connection failed", ce.Error())
}
