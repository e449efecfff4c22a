// Package localgw is an in-process stand-in for API Gateway WebSockets. It
// terminates sockets itself and drives the same connect, message and
// disconnect lifecycle the HTTP integrations do in production.
package localgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/events"
	awsws "liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/utils/apierror"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"golang.org/x/time/rate"
)

const (
	writeWait = 10 * time.Second

	// same idle window the hosted gateway gives a silent client
	idleTimeout = entity.HeartbeatPeriod + entity.HeartbeatTolerance

	maxFrameSize = 128 * 1024

	DefaultRateLimit  = 20
	DefaultSendBuffer = 64
)

var ErrSlowConsumer = errors.New("send buffer is full")

type Lifecycle interface {
	RegisterConnection(ctx context.Context, connID, token, conversations string) apierror.ErrorResponse
	RemoveConnection(ctx context.Context, connID string) apierror.ErrorResponse
	HandleMessage(ctx context.Context, connID string, body []byte) apierror.ErrorResponse
}

type Options struct {
	// RateLimit is the inbound frames per second allowed per connection.
	RateLimit  float64
	SendBuffer int
}

// Gateway implements websocket.GatewayClient for sockets it accepted itself.
type Gateway struct {
	upgrader  websocket.Upgrader
	rateLimit rate.Limit
	burst     int
	bufSize   int
	lifecycle Lifecycle

	mu    sync.RWMutex
	peers map[string]*peer
}

func New(opts Options) *Gateway {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}

	burst := int(opts.RateLimit)
	if burst < 1 {
		burst = 1
	}

	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// development only, the hosted gateway does its own origin checks
			CheckOrigin: func(*http.Request) bool { return true },
		},
		rateLimit: rate.Limit(opts.RateLimit),
		burst:     burst,
		bufSize:   opts.SendBuffer,
		peers:     make(map[string]*peer),
	}
}

// Attach sets the lifecycle the gateway reports to. The service needs the
// gateway to be built first, so this can't go through New.
func (g *Gateway) Attach(lifecycle Lifecycle) {
	g.lifecycle = lifecycle
}

func (g *Gateway) PostToConnection(_ context.Context, connID string, data interface{}) error {
	p := g.peer(connID)
	if p == nil {
		return fmt.Errorf("%s: %w", connID, awsws.ErrGone)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return fmt.Errorf("%s: %w", connID, awsws.ErrGone)
	default:
	}

	select {
	case p.send <- payload:
		return nil
	case <-p.done:
		return fmt.Errorf("%s: %w", connID, awsws.ErrGone)
	default:
		return fmt.Errorf("%s: %w", connID, ErrSlowConsumer)
	}
}

func (g *Gateway) DeleteConnection(_ context.Context, connID string) error {
	p := g.remove(connID)
	if p == nil {
		return fmt.Errorf("%s: %w", connID, awsws.ErrGone)
	}
	p.close()
	return nil
}

// Connections reports how many sockets are open.
func (g *Gateway) Connections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.peers)
}

// Handler upgrades GET /ws. The peer is registered before the service hears
// about it so that nothing sent during registration is mistaken for gone.
func (g *Gateway) Handler(tokenFrom func(echo.Context) string) echo.HandlerFunc {
	return func(c echo.Context) error {
		if g.lifecycle == nil {
			return c.JSON(http.StatusServiceUnavailable, apierror.UnavailableError)
		}

		connID := uuid.NewString()
		p := newPeer(connID, g.bufSize)
		g.add(p)

		ctx := c.Request().Context()
		if apierr := g.lifecycle.RegisterConnection(ctx, connID, tokenFrom(c), c.QueryParam("conversations")); apierr != nil {
			g.remove(connID)
			return c.JSON(apierr.Code(), apierr)
		}

		conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Warnf("failed to upgrade connection %s: %v", connID, err)
			g.disconnect(context.WithoutCancel(ctx), connID)
			return nil
		}
		p.conn = conn

		log.Debugf("local connection %s open", connID)
		go p.writePump()
		g.readPump(ctx, p)
		return nil
	}
}

func (g *Gateway) readPump(ctx context.Context, p *peer) {
	defer g.disconnect(context.WithoutCancel(ctx), p.id)

	p.conn.SetReadLimit(maxFrameSize)
	limiter := rate.NewLimiter(g.rateLimit, g.burst)

	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Infof("connection %s closed: %v", p.id, err)
			}
			return
		}

		if !limiter.Allow() {
			_ = g.PostToConnection(ctx, p.id, events.Wrap(events.NewError("Too many messages")))
			continue
		}

		if apierr := g.lifecycle.HandleMessage(ctx, p.id, data); apierr != nil {
			log.Warnf("frame from %s failed with status %d", p.id, apierr.Code())
		}
	}
}

func (g *Gateway) disconnect(ctx context.Context, connID string) {
	if p := g.remove(connID); p != nil {
		p.close()
	}
	if apierr := g.lifecycle.RemoveConnection(ctx, connID); apierr != nil {
		log.Errorf("failed to remove local connection %s: status %d", connID, apierr.Code())
	}
	log.Debugf("local connection %s closed", connID)
}

func (g *Gateway) peer(connID string) *peer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peers[connID]
}

func (g *Gateway) add(p *peer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers[p.id] = p
}

func (g *Gateway) remove(connID string) *peer {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.peers[connID]
	delete(g.peers, connID)
	return p
}
