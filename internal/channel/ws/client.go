package ws

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/rundown/internal/channel"
	"github.com/kimhsiao/rundown/internal/errors"
	"github.com/kimhsiao/rundown/internal/logging"
)

const (
	minReconnect = 250 * time.Millisecond
	maxReconnect = 10 * time.Second
)

// Client is a channel.Channel backed by one WebSocket connection per
// subscribed rundown. Dropped connections are redialled with exponential
// backoff; messages published while disconnected are lost.
type Client struct {
	channel.ReconnectHooks

	endpoint  string
	sessionID string
	dialer    *websocket.Dialer
	logger    *logging.Logger

	mu    sync.Mutex
	conns map[string]*clientConn
}

// NewClient creates a Client for a Hub served at endpoint, for example
// "ws://localhost:8090/ws".
func NewClient(endpoint, sessionID string, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Get()
	}
	return &Client{
		endpoint:  endpoint,
		sessionID: sessionID,
		dialer:    &websocket.Dialer{HandshakeTimeout: writeWait},
		logger:    logger,
		conns:     make(map[string]*clientConn),
	}
}

type clientConn struct {
	client  *Client
	docID   string
	handler channel.Handler

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	closed  chan struct{}
	once    sync.Once
}

func (c *Client) url(docID string) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "invalid push endpoint", err)
	}
	q := u.Query()
	q.Set("doc", docID)
	q.Set("session", c.sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the hub for docID. Only one subscription per document is
// allowed per Client.
func (c *Client) Subscribe(ctx context.Context, docID string, onMessage channel.Handler) (channel.Subscription, error) {
	if onMessage == nil {
		return nil, errors.New(errors.ErrInvalid, "subscribe requires a handler")
	}
	target, err := c.url(docID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, ok := c.conns[docID]; ok {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrDuplicate, "already subscribed to "+docID)
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransientIO, "dial push hub", err)
	}

	cc := &clientConn{
		client:  c,
		docID:   docID,
		handler: onMessage,
		conn:    conn,
		closed:  make(chan struct{}),
	}

	c.mu.Lock()
	c.conns[docID] = cc
	c.mu.Unlock()

	go cc.readLoop(target)
	return cc, nil
}

// Publish writes msg to the connection for docID.
func (c *Client) Publish(ctx context.Context, docID string, msg channel.Message) error {
	c.mu.Lock()
	cc := c.conns[docID]
	c.mu.Unlock()
	if cc == nil {
		return errors.New(errors.ErrNotFound, "not subscribed to "+docID)
	}
	return cc.write(ctx, msg)
}

func (cc *clientConn) current() *websocket.Conn {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.conn
}

func (cc *clientConn) write(ctx context.Context, msg channel.Message) error {
	conn := cc.current()
	if conn == nil {
		return errors.New(errors.ErrTransientIO, "push connection is down")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(msg); err != nil {
		return errors.Wrap(errors.ErrTransientIO, "push write failed", err)
	}
	return nil
}

// readLoop delivers incoming messages and redials when the connection drops.
func (cc *clientConn) readLoop(target string) {
	log := cc.client.logger
	for {
		conn := cc.current()
		if conn != nil {
			conn.SetReadLimit(maxMessage)
			for {
				var msg channel.Message
				if err := conn.ReadJSON(&msg); err != nil {
					select {
					case <-cc.closed:
						return
					default:
					}
					log.Warn("Push connection lost", map[string]interface{}{
						"doc_id": cc.docID, "error": err.Error(),
					})
					break
				}
				cc.handler(msg)
			}
			cc.mu.Lock()
			cc.conn = nil
			cc.mu.Unlock()
			conn.Close()
		}

		if !cc.redial(target) {
			return
		}
		cc.client.FireReconnect(cc.docID)
	}
}

// redial retries until connected or closed.
func (cc *clientConn) redial(target string) bool {
	wait := minReconnect
	for {
		select {
		case <-cc.closed:
			return false
		case <-time.After(wait):
		}

		conn, _, err := cc.client.dialer.Dial(target, nil)
		if err == nil {
			cc.mu.Lock()
			select {
			case <-cc.closed:
				cc.mu.Unlock()
				conn.Close()
				return false
			default:
			}
			cc.conn = conn
			cc.mu.Unlock()
			cc.client.logger.Info("Push connection restored", map[string]interface{}{"doc_id": cc.docID})
			return true
		}

		wait *= 2
		if wait > maxReconnect {
			wait = maxReconnect
		}
	}
}

// Close ends the subscription and its connection.
func (cc *clientConn) Close() error {
	cc.once.Do(func() {
		close(cc.closed)

		cc.client.mu.Lock()
		if cc.client.conns[cc.docID] == cc {
			delete(cc.client.conns, cc.docID)
		}
		cc.client.mu.Unlock()

		cc.mu.Lock()
		conn := cc.conn
		cc.conn = nil
		cc.mu.Unlock()
		if conn != nil {
			cc.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			cc.writeMu.Unlock()
			conn.Close()
		}
	})
	return nil
}
