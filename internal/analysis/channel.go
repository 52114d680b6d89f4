package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Checkpoint is one phase of remote work: the progress sub-range it covers
// and its label.
type Checkpoint struct {
	Start float64
	End   float64
	Label string
}

// progressMessage is the wire format of the progress channel.
type progressMessage struct {
	Type          string  `json:"type"`
	StartProgress float64 `json:"startProgress"`
	EndProgress   float64 `json:"endProgress"`
	Message       string  `json:"message"`
}

// ProgressChannel streams checkpoints for one submission.
type ProgressChannel interface {
	// Watch applies checkpoints in arrival order. It returns nil once
	// released is closed and buffered checkpoints are applied, or when ctx
	// is done. An error message from the service or a broken connection is
	// returned as a *ChannelError.
	Watch(ctx context.Context, released <-chan struct{}, apply func(Checkpoint)) error

	// Close ends the channel. It is safe to call more than once.
	Close() error
}

// ProgressDialer opens progress channels.
type ProgressDialer interface {
	Dial(ctx context.Context, requestID string) (ProgressChannel, error)
}

// WebsocketDialer opens progress channels over a websocket.
type WebsocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer for the progress endpoint at url.
func NewWebsocketDialer(url string) *WebsocketDialer {
	return &WebsocketDialer{
		URL: url,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Dial connects to the progress endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, requestID string) (ProgressChannel, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if requestID != "" {
		header.Set("X-Request-ID", requestID)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &ChannelError{
			Message: "WebSocket connection failed",
			Err:     eris.Wrap(err, "analysis: dial progress channel"),
		}
	}
	zap.L().Debug("analysis: progress channel open", zap.String("url", d.URL), zap.String("request_id", requestID))

	ch := &wsChannel{
		conn:   conn,
		msgs:   make(chan progressMessage, 64),
		closed: make(chan struct{}),
	}
	go ch.readLoop()
	return ch, nil
}

type wsChannel struct {
	conn    *websocket.Conn
	msgs    chan progressMessage
	readErr error
	closed  chan struct{}
	once    sync.Once
}

// readLoop forwards decoded messages until the connection ends. readErr is
// published by closing msgs.
func (c *wsChannel) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.readErr = err
			return
		}

		var m progressMessage
		if err := json.Unmarshal(data, &m); err != nil {
			zap.L().Warn("analysis: ignoring malformed progress message", zap.Error(err))
			continue
		}

		select {
		case c.msgs <- m:
		case <-c.closed:
			return
		}
	}
}

func (c *wsChannel) Watch(ctx context.Context, released <-chan struct{}, apply func(Checkpoint)) error {
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return c.ended(ctx, released)
			}
			if err := handleMessage(m, apply); err != nil {
				return err
			}
		case <-released:
			return c.drain(apply)
		case <-ctx.Done():
			return nil
		}
	}
}

// ended handles the reader stopping. A clean close from the server is not a
// failure: the request result is still awaited.
func (c *wsChannel) ended(ctx context.Context, released <-chan struct{}) error {
	err := c.readErr
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		select {
		case <-released:
			return nil
		default:
		}
		return &ChannelError{
			Message: "WebSocket connection failed",
			Err:     eris.Wrap(err, "analysis: read progress channel"),
		}
	}

	select {
	case <-released:
	case <-ctx.Done():
	}
	return nil
}

func (c *wsChannel) drain(apply func(Checkpoint)) error {
	for {
		select {
		case m, ok := <-c.msgs:
			if !ok {
				return nil
			}
			if err := handleMessage(m, apply); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func handleMessage(m progressMessage, apply func(Checkpoint)) error {
	switch m.Type {
	case "progress":
		apply(Checkpoint{Start: m.StartProgress, End: m.EndProgress, Label: m.Message})
	case "error":
		return &ChannelError{Message: m.Message}
	default:
		zap.L().Debug("analysis: ignoring progress message", zap.String("type", m.Type))
	}
	return nil
}

func (c *wsChannel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}
