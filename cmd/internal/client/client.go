// Package client is the Go side of the socket contract: it keeps a relay
// connection alive, reconnects with backoff and exposes decoded events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"liverelay/cmd/internal/contract"
	"liverelay/cmd/internal/domain/entity"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
)

const (
	DefaultPingInterval  = entity.HeartbeatPeriod
	DefaultMaxReconnects = 5

	writeWait = 10 * time.Second
)

var (
	ErrClosed         = errors.New("client is closed")
	ErrSessionExpired = errors.New("session expired")
	ErrRejected       = errors.New("connection rejected")
)

var knownEvents = map[contract.EventType]struct{}{
	contract.EventJoined:          {},
	contract.EventTyping:          {},
	contract.EventNewMessage:      {},
	contract.EventNotification:    {},
	contract.EventOnlineStatus:    {},
	contract.EventVideoCallSignal: {},
	contract.EventPong:            {},
	contract.EventError:           {},
	contract.EventSessionExpired:  {},
}

type Options struct {
	// URL of the socket endpoint, e.g. wss://relay.example.com/ws.
	URL           string
	Token         string
	Conversations []string

	PingInterval   time.Duration
	MaxReconnects  uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Dialer *websocket.Dialer
}

// Event is one decoded signal. Payload holds the whole frame; the envelope
// is flat so Decode works with the events types directly.
type Event struct {
	Type    contract.EventType
	Payload json.RawMessage
}

func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type VideoSignal struct {
	TargetUserID  string
	SessionID     string
	SenderName    string
	AppointmentID string
}

type Client struct {
	opts   Options
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.RWMutex
	conn   *websocket.Conn
	joined []string

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
	err       error

	wg sync.WaitGroup
}

// Dial connects and starts the read and keepalive loops. ctx only bounds the
// first connection attempt.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = DefaultMaxReconnects
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	c := &Client{
		opts:   opts,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = conn

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Events is closed once the client stops for good; Err tells why.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Err is nil after Close and set when the client gave up on its own.
func (c *Client) Err() error {
	<-c.closed
	return c.err
}

func (c *Client) Close() error {
	c.shutdown(nil)
	c.wg.Wait()
	return nil
}

func (c *Client) Join(conversationID string) error {
	if err := c.send(&contract.IncomingSocketMessage{Action: contract.ActionJoin, ConversationID: conversationID}); err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	for _, id := range c.joined {
		if id == conversationID {
			return nil
		}
	}
	c.joined = append(c.joined, conversationID)
	return nil
}

func (c *Client) Typing(conversationID, userName string, isTyping bool) error {
	return c.send(&contract.IncomingSocketMessage{
		Action:         contract.ActionTyping,
		ConversationID: conversationID,
		UserName:       userName,
		IsTyping:       &isTyping,
	})
}

// SendMessage relays message, which must marshal to JSON, to the conversation.
func (c *Client) SendMessage(conversationID string, message any) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("client: encode message: %w", err)
	}
	return c.send(&contract.IncomingSocketMessage{
		Action:         contract.ActionSendMessage,
		ConversationID: conversationID,
		Message:        raw,
	})
}

func (c *Client) Ping() error {
	return c.send(&contract.IncomingSocketMessage{Action: contract.ActionPing})
}

func (c *Client) VideoInvite(sig VideoSignal) error  { return c.video(contract.ActionVideoInvite, sig) }
func (c *Client) VideoAccept(sig VideoSignal) error  { return c.video(contract.ActionVideoAccept, sig) }
func (c *Client) VideoDecline(sig VideoSignal) error { return c.video(contract.ActionVideoDecline, sig) }
func (c *Client) VideoJoin(sig VideoSignal) error    { return c.video(contract.ActionVideoJoin, sig) }
func (c *Client) VideoEnd(sig VideoSignal) error     { return c.video(contract.ActionVideoEnd, sig) }

func (c *Client) video(action contract.Action, sig VideoSignal) error {
	return c.send(&contract.IncomingSocketMessage{
		Action:        action,
		TargetUserID:  sig.TargetUserID,
		SessionID:     sig.SessionID,
		SenderName:    sig.SenderName,
		AppointmentID: sig.AppointmentID,
	})
}

func (c *Client) send(msg *contract.IncomingSocketMessage) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn := c.current()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (c *Client) current() *websocket.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.dialURL()
	if err != nil {
		return nil, err
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = c.opts.InitialBackoff
	expo.MaxInterval = c.opts.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, c.opts.MaxReconnects), ctx)

	return backoff.RetryWithData[*websocket.Conn](func() (*websocket.Conn, error) {
		conn, resp, err := c.opts.Dialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				// the token won't get better by retrying
				return nil, backoff.Permanent(fmt.Errorf("%w (status %d)", ErrRejected, resp.StatusCode))
			}
			log.Debugf("dial %s failed: %v", c.opts.URL, err)
			return nil, err
		}
		return conn, nil
	}, policy)
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("client: bad URL: %w", err)
	}

	q := u.Query()
	q.Set("token", c.opts.Token)
	if len(c.opts.Conversations) > 0 {
		q.Set("conversations", strings.Join(c.opts.Conversations, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	expired := false
	for {
		_, data, err := c.current().ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			if expired {
				c.shutdown(ErrSessionExpired)
				return
			}
			if err := c.reconnect(err); err != nil {
				c.shutdown(err)
				return
			}
			continue
		}

		evt, ok := decodeEvent(data)
		if !ok {
			continue
		}
		if evt.Type == contract.EventSessionExpired {
			expired = true
		}

		select {
		case c.events <- evt:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) reconnect(cause error) error {
	log.Warnf("relay connection lost, reconnecting: %v", cause)

	conn, err := c.connect(c.ctx)
	if err != nil {
		return fmt.Errorf("client: reconnect failed: %w", err)
	}

	c.writeMu.Lock()
	select {
	case <-c.closed:
		c.writeMu.Unlock()
		_ = conn.Close()
		return ErrClosed
	default:
	}
	c.connMu.Lock()
	_ = c.conn.Close()
	c.conn = conn
	joined := append([]string(nil), c.joined...)
	c.connMu.Unlock()
	c.writeMu.Unlock()

	// joins made on the old connection are gone with it
	for _, id := range joined {
		if err := c.send(&contract.IncomingSocketMessage{Action: contract.ActionJoin, ConversationID: id}); err != nil {
			log.Warnf("failed to rejoin %s: %v", id, err)
		}
	}
	return nil
}

func (c *Client) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.Ping(); err != nil && !errors.Is(err, ErrClosed) {
				log.Debugf("keepalive ping failed: %v", err)
			}
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.closed)
		c.cancel()

		c.writeMu.Lock()
		conn := c.current()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = conn.Close()
	})
}

func decodeEvent(data []byte) (Event, bool) {
	var head struct {
		Type contract.EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		log.Debugf("dropping undecodable frame: %v", err)
		return Event{}, false
	}
	if _, ok := knownEvents[head.Type]; !ok {
		return Event{}, false
	}
	return Event{Type: head.Type, Payload: json.RawMessage(data)}, true
}

// IsRejected reports whether err means the relay refused the handshake.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

