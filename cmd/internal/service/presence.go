package service

import (
	"context"
	"liverelay/cmd/internal/utils"
)

type Presence struct {
	UserID       string
	Online       bool
	Connections  int
	LastOnlineAt int64
}

// PresenceTracker derives online/offline transitions from the registry as it
// is right now. Nothing is cached: two devices connecting at once may both
// see a count above one, which only costs a missed online broadcast.
type PresenceTracker struct {
	ConnRepo ConnectionRepository
	UserRepo UserRepository
	now      func() int64
}

func NewPresenceTracker(connRepo ConnectionRepository, userRepo UserRepository) *PresenceTracker {
	return &PresenceTracker{
		ConnRepo: connRepo,
		UserRepo: userRepo,
		now:      utils.NowUTC,
	}
}

// Connected must run after the new connection was saved. It reports whether
// the user just came online.
func (p *PresenceTracker) Connected(ctx context.Context, userID string) (bool, int64, error) {
	count, err := p.ConnRepo.CountByUserID(ctx, userID)
	if err != nil {
		return false, 0, err
	}

	at := p.now()
	if err := p.UserRepo.TouchLastOnline(ctx, userID, at); err != nil {
		return false, 0, err
	}
	return count == 1, at, nil
}

// Disconnected must run after the connection was removed. It reports whether
// that was the user's last one.
func (p *PresenceTracker) Disconnected(ctx context.Context, userID string) (bool, int64, error) {
	count, err := p.ConnRepo.CountByUserID(ctx, userID)
	if err != nil {
		return false, 0, err
	}
	if count > 0 {
		return false, 0, nil
	}

	at := p.now()
	if err := p.UserRepo.TouchLastOnline(ctx, userID, at); err != nil {
		return false, 0, err
	}
	return true, at, nil
}

func (p *PresenceTracker) Status(ctx context.Context, userID string) (*Presence, error) {
	count, err := p.ConnRepo.CountByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	user, err := p.UserRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	presence := &Presence{UserID: userID, Online: count > 0, Connections: count}
	if user != nil {
		presence.LastOnlineAt = user.LastOnlineAt
	}
	return presence, nil
}
