package wsbus

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nvr-ai/go-detbus/bus"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DefaultReconnectInterval is the pause between reconnection attempts.
const DefaultReconnectInterval = 2 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// Endpoint is the publisher's host:port.
	Endpoint string
	// Path is the upgrade path.
	Path string
	// ReconnectInterval is the pause between reconnection attempts.
	ReconnectInterval time.Duration
}

// Client is the consumer-side endpoint. It implements bus.Subscriber.
//
// When the connection drops, Receive reconnects on its own and keeps
// blocking; messages published while disconnected are not recovered.
type Client struct {
	url       string
	reconnect time.Duration
	dialer    *websocket.Dialer
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn
}

// Dial connects to a publisher. The first connection attempt must succeed.
//
// Arguments:
//   - ctx: Bounds the first connection attempt.
//   - cfg: The client configuration.
//   - logger: The logger, nil for none.
//
// Returns:
//   - *Client: The connected client.
//   - error: An error if the publisher cannot be reached.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	u := url.URL{Scheme: "ws", Host: cfg.Endpoint, Path: cfg.Path}
	c := &Client{
		url:       u.String(),
		reconnect: cfg.ReconnectInterval,
		dialer:    websocket.DefaultDialer,
		logger:    logger,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.cancel()
		return nil, errors.Wrapf(err, "dial %s", c.url)
	}
	c.conn = conn
	logger.Info("connected to detection bus", zap.String("url", c.url))
	return c, nil
}

// Receive implements bus.Subscriber.
func (c *Client) Receive() ([]byte, error) {
	for {
		conn, err := c.connection()
		if err != nil {
			return nil, err
		}

		_, msg, err := conn.ReadMessage()
		if err == nil {
			return msg, nil
		}
		if c.ctx.Err() != nil {
			return nil, bus.ErrClosed
		}

		c.logger.Warn("detection bus connection lost, reconnecting",
			zap.String("url", c.url),
			zap.Error(err))
		c.drop(conn)
	}
}

// Close implements bus.Subscriber. It is safe to call more than once.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

// connection returns the live connection, redialing until one is
// established or the client is closed.
func (c *Client) connection() (*websocket.Conn, error) {
	for {
		if c.ctx.Err() != nil {
			return nil, bus.ErrClosed
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}

		conn, _, err := c.dialer.DialContext(c.ctx, c.url, nil)
		if err == nil {
			c.mu.Lock()
			if c.ctx.Err() != nil {
				c.mu.Unlock()
				_ = conn.Close()
				return nil, bus.ErrClosed
			}
			c.conn = conn
			c.mu.Unlock()
			c.logger.Info("reconnected to detection bus", zap.String("url", c.url))
			return conn, nil
		}

		c.logger.Debug("reconnect failed", zap.String("url", c.url), zap.Error(err))
		select {
		case <-c.ctx.Done():
			return nil, bus.ErrClosed
		case <-time.After(c.reconnect):
		}
	}
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		_ = c.conn.Close()
		c.conn = nil
	}
}
