package service

import (
	"context"
	"errors"
	"liverelay/cmd/internal/domain/entity"
	"liverelay/cmd/internal/domain/events"
	"liverelay/cmd/internal/infrastructure/aws/websocket"
	"sync"

	"github.com/labstack/gommon/log"
	"github.com/sourcegraph/conc/pool"
)

const DefaultFanoutConcurrency = 32

type TargetKind string

const (
	TargetKindConversation TargetKind = "conversation"
	TargetKindUser         TargetKind = "user"
	TargetKindAll          TargetKind = "all"
)

// Target selects the recipients of a broadcast.
type Target struct {
	Kind TargetKind
	ID   string
}

func ToConversation(conversationID string) Target {
	return Target{Kind: TargetKindConversation, ID: conversationID}
}

func ToUser(userID string) Target {
	return Target{Kind: TargetKindUser, ID: userID}
}

func ToAll() Target {
	return Target{Kind: TargetKindAll}
}

// DeliveryReport summarizes one fan-out. Pruned lists the connections that
// were found gone and removed from the registry; Failed counts every other
// unsuccessful send.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    int
	Pruned    []*entity.Connection
}

// Broadcaster delivers one event to many connections concurrently. Every send
// settles on its own; a failure for one recipient never stops the others.
type Broadcaster struct {
	ConnRepo    ConnectionRepository
	Gateway     websocket.GatewayClient
	Concurrency int
}

func NewBroadcaster(repo ConnectionRepository, gateway websocket.GatewayClient, concurrency int) *Broadcaster {
	if concurrency <= 0 {
		concurrency = DefaultFanoutConcurrency
	}
	return &Broadcaster{
		ConnRepo:    repo,
		Gateway:     gateway,
		Concurrency: concurrency,
	}
}

// Broadcast resolves target against the registry and sends evt to every match
// except excludeConnID. The returned error is only set when the recipients
// could not be resolved.
func (b *Broadcaster) Broadcast(ctx context.Context, target Target, evt events.SocketEvent, excludeConnID string) (*DeliveryReport, error) {
	conns, err := b.resolve(ctx, target)
	if err != nil {
		return nil, err
	}

	recipients := make([]*entity.Connection, 0, len(conns))
	for _, conn := range conns {
		if conn.ConnectionID != excludeConnID {
			recipients = append(recipients, conn)
		}
	}
	return b.deliver(ctx, recipients, evt), nil
}

// SendTo replies to a single connection, pruning it if it is gone. The pruned
// connection is returned when this call removed it from the registry.
func (b *Broadcaster) SendTo(ctx context.Context, connID string, evt events.SocketEvent) (*entity.Connection, error) {
	err := b.Gateway.PostToConnection(ctx, connID, events.Wrap(evt))
	if !errors.Is(err, websocket.ErrGone) {
		return nil, err
	}

	conn, ferr := b.ConnRepo.FindByID(ctx, connID)
	if ferr != nil {
		log.Errorf("failed to look up gone connection %s: %v", connID, ferr)
		return nil, err
	}
	if conn == nil {
		return nil, err
	}
	removed, derr := b.ConnRepo.Delete(ctx, connID)
	if derr != nil {
		log.Errorf("failed to prune gone connection %s: %v", connID, derr)
		return nil, err
	}
	if !removed {
		return nil, err
	}
	return conn, err
}

func (b *Broadcaster) resolve(ctx context.Context, target Target) ([]*entity.Connection, error) {
	switch target.Kind {
	case TargetKindConversation:
		return b.ConnRepo.FindByConversation(ctx, target.ID)
	case TargetKindUser:
		return b.ConnRepo.FindByUserID(ctx, target.ID)
	default:
		return b.ConnRepo.FindAll(ctx)
	}
}

func (b *Broadcaster) deliver(ctx context.Context, recipients []*entity.Connection, evt events.SocketEvent) *DeliveryReport {
	report := &DeliveryReport{Attempted: len(recipients)}
	if len(recipients) == 0 {
		return report
	}

	envelope := events.Wrap(evt)
	var mu sync.Mutex
	p := pool.New().WithMaxGoroutines(b.Concurrency)

	for _, conn := range recipients {
		p.Go(func() {
			err := b.Gateway.PostToConnection(ctx, conn.ConnectionID, envelope)

			var pruned bool
			switch {
			case err == nil:
			case errors.Is(err, websocket.ErrGone):
				removed, derr := b.ConnRepo.Delete(ctx, conn.ConnectionID)
				if derr != nil {
					log.Errorf("failed to prune gone connection %s: %v", conn.ConnectionID, derr)
				}
				pruned = removed
			default:
				log.Warnf("failed to push %s to connection %s: %v", envelope.Type, conn.ConnectionID, err)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Delivered++
			case pruned:
				report.Pruned = append(report.Pruned, conn)
			default:
				report.Failed++
			}
		})
	}
	p.Wait()

	if len(report.Pruned) > 0 {
		log.Debugf("pruned %d gone connections while pushing %s", len(report.Pruned), envelope.Type)
	}
	return report
}
