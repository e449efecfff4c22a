package jobs

import (
	"context"
	"errors"
	"liverelay/cmd/internal/domain/events"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"liverelay/cmd/internal/service"
	"liverelay/cmd/internal/utils"
	"time"

	"github.com/labstack/gommon/log"
)

const (
	DefaultSweepInterval    = 5 * time.Minute
	DefaultHeartbeatTimeout = 3 * time.Minute
)

// ConnectionCleaner drops connections that stopped pinging or whose token
// expired. The gateway only tells us about disconnects it notices itself.
type ConnectionCleaner struct {
	wsService        *service.WebSocketService
	interval         time.Duration
	heartbeatTimeout time.Duration
	now              func() int64
}

func NewConnectionCleaner(wsService *service.WebSocketService, interval, heartbeatTimeout time.Duration) *ConnectionCleaner {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	return &ConnectionCleaner{
		wsService:        wsService,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		now:              utils.NowUTC,
	}
}

func (c *ConnectionCleaner) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Infof("Connection cleaner started (every %s, timeout %s)", c.interval, c.heartbeatTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping connection cleaner...")
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// cleanup returns how many connections it dropped.
func (c *ConnectionCleaner) cleanup(ctx context.Context) int {
	now := c.now()
	seenBefore := now - c.heartbeatTimeout.Milliseconds()

	conns, err := c.wsService.ConnRepo.FindStale(ctx, seenBefore, now)
	if err != nil {
		log.Errorf("Cleaner: failed to fetch stale connections: %v", err)
		return 0
	}
	if len(conns) == 0 {
		return 0
	}

	log.Infof("Cleaner: found %d stale connections, terminating", len(conns))

	gateway := c.wsService.Gateway()
	envelope := events.Wrap(&events.SessionExpired{})
	dropped := 0

	for _, conn := range conns {
		// only an expired token ends the session; a silent client may reconnect
		if conn.Expired(now) {
			_ = gateway.PostToConnection(ctx, conn.ConnectionID, envelope)
		}

		if err := gateway.DeleteConnection(ctx, conn.ConnectionID); err != nil && !errors.Is(err, websocket.ErrGone) {
			log.Warnf("Cleaner: failed to close connection %s: %v", conn.ConnectionID, err)
		}

		if apierr := c.wsService.RemoveConnection(ctx, conn.ConnectionID); apierr != nil {
			log.Errorf("Cleaner: failed to remove connection %s", conn.ConnectionID)
			continue
		}
		dropped++
	}
	return dropped
}
