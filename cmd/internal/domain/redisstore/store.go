// Package redisstore keeps the connection registry in Redis, for deployments
// where several relay instances share one store.
//
// Layout:
//
//	conn:<id>             hash  user_id, visible, expires_at, connected_at, last_seen_at, conversations
//	user:<uid>:conns      set   connection ids of a user
//	conv:<cid>:conns      set   connection ids subscribed to a conversation
//	conns                 set   every connection id
//	user:<uid>            hash  last_online_at
//
// Index sets may briefly point at a hash that no longer exists; readers skip
// those ids. Writes to conn:<id> run under WATCH, so a concurrent delete is
// never undone by a partial write.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"liverelay/cmd/internal/domain/entity"
	"slices"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const (
	allConnsKey     = "conns"
	maxWatchRetries = 16
)

func connKey(id string) string      { return "conn:" + id }
func userConnsKey(uid string) string { return "user:" + uid + ":conns" }
func convConnsKey(cid string) string { return "conv:" + cid + ":conns" }
func userKey(uid string) string      { return "user:" + uid }

func Open(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

type ConnectionRepository struct {
	rdb redis.UniversalClient
}

func NewConnectionRepository(rdb redis.UniversalClient) *ConnectionRepository {
	return &ConnectionRepository{rdb: rdb}
}

func (r *ConnectionRepository) Save(ctx context.Context, conn *entity.Connection) error {
	return r.watchConn(ctx, conn.ConnectionID, func(tx *redis.Tx) error {
		previous, err := loadConn(ctx, tx, conn.ConnectionID)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if previous != nil {
				pipe.SRem(ctx, userConnsKey(previous.UserID), previous.ConnectionID)
				for _, cid := range previous.ConversationIDs {
					pipe.SRem(ctx, convConnsKey(cid), previous.ConnectionID)
				}
			}

			pipe.HSet(ctx, connKey(conn.ConnectionID), map[string]interface{}{
				"user_id":       conn.UserID,
				"visible":       conn.VisibleConversation,
				"expires_at":    conn.ExpiresAt,
				"connected_at":  conn.ConnectedAt,
				"last_seen_at":  conn.LastSeenAt,
				"conversations": strings.Join(conn.ConversationIDs, ","),
			})
			pipe.SAdd(ctx, allConnsKey, conn.ConnectionID)
			pipe.SAdd(ctx, userConnsKey(conn.UserID), conn.ConnectionID)
			for _, cid := range conn.ConversationIDs {
				pipe.SAdd(ctx, convConnsKey(cid), conn.ConnectionID)
			}
			return nil
		})
		return err
	})
}

func (r *ConnectionRepository) FindByID(ctx context.Context, connID string) (*entity.Connection, error) {
	fields, err := r.rdb.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeConnection(connID, fields)
}

func (r *ConnectionRepository) Delete(ctx context.Context, connID string) (bool, error) {
	var removed bool
	err := r.watchConn(ctx, connID, func(tx *redis.Tx) error {
		removed = false
		conn, err := loadConn(ctx, tx, connID)
		if err != nil {
			return err
		}
		if conn == nil {
			// still clear the global index in case a previous delete was cut short
			return tx.SRem(ctx, allConnsKey, connID).Err()
		}

		var del *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			del = pipe.Del(ctx, connKey(connID))
			pipe.SRem(ctx, allConnsKey, connID)
			pipe.SRem(ctx, userConnsKey(conn.UserID), connID)
			for _, cid := range conn.ConversationIDs {
				pipe.SRem(ctx, convConnsKey(cid), connID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		removed = del.Val() > 0
		return nil
	})
	return removed, err
}

func (r *ConnectionRepository) FindByUserID(ctx context.Context, userID string) ([]*entity.Connection, error) {
	return r.loadSet(ctx, userConnsKey(userID))
}

func (r *ConnectionRepository) FindByConversation(ctx context.Context, conversationID string) ([]*entity.Connection, error) {
	return r.loadSet(ctx, convConnsKey(conversationID))
}

func (r *ConnectionRepository) FindAll(ctx context.Context) ([]*entity.Connection, error) {
	return r.loadSet(ctx, allConnsKey)
}

func (r *ConnectionRepository) CountByUserID(ctx context.Context, userID string) (int, error) {
	conns, err := r.FindByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(conns), nil
}

func (r *ConnectionRepository) JoinConversation(ctx context.Context, connID, conversationID string) (bool, error) {
	var joined bool
	err := r.watchConn(ctx, connID, func(tx *redis.Tx) error {
		joined = false
		conn, err := loadConn(ctx, tx, connID)
		if err != nil || conn == nil {
			return err
		}

		convs := conn.ConversationIDs
		if !slices.Contains(convs, conversationID) {
			convs = append(convs, conversationID)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, connKey(connID), "visible", conversationID, "conversations", strings.Join(convs, ","))
			pipe.SAdd(ctx, convConnsKey(conversationID), connID)
			return nil
		})
		joined = err == nil
		return err
	})
	return joined, err
}

// UpdateHeartbeat is a no-op for unknown ids; it never recreates a deleted hash.
func (r *ConnectionRepository) UpdateHeartbeat(ctx context.Context, connID string, now int64) error {
	return r.watchConn(ctx, connID, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, connKey(connID)).Result()
		if err != nil || exists == 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, connKey(connID), "last_seen_at", now)
			return nil
		})
		return err
	})
}

func (r *ConnectionRepository) FindStale(ctx context.Context, seenBefore, now int64) ([]*entity.Connection, error) {
	all, err := r.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	stale := make([]*entity.Connection, 0)
	for _, conn := range all {
		if conn.LastSeenAt < seenBefore || conn.Expired(now) {
			stale = append(stale, conn)
		}
	}
	return stale, nil
}

// watchConn runs fn with conn:<connID> under WATCH, so its writes only land
// if nobody changed the hash since fn read it. Conflicts are retried.
func (r *ConnectionRepository) watchConn(ctx context.Context, connID string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, fn, connKey(connID))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("connection %s kept changing: %w", connID, redis.TxFailedErr)
}

func loadConn(ctx context.Context, tx *redis.Tx, connID string) (*entity.Connection, error) {
	fields, err := tx.HGetAll(ctx, connKey(connID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return decodeConnection(connID, fields)
}

func (r *ConnectionRepository) loadSet(ctx context.Context, key string) ([]*entity.Connection, error) {
	ids, err := r.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(ids)
	if len(ids) == 0 {
		return []*entity.Connection{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, connKey(id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	conns := make([]*entity.Connection, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		conn, err := decodeConnection(ids[i], fields)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

func decodeConnection(id string, fields map[string]string) (*entity.Connection, error) {
	conn := &entity.Connection{
		ConnectionID:        id,
		UserID:              fields["user_id"],
		VisibleConversation: fields["visible"],
		ConversationIDs:     []string{},
	}
	if raw := fields["conversations"]; raw != "" {
		conn.ConversationIDs = strings.Split(raw, ",")
	}

	var err error
	if conn.ExpiresAt, err = parseInt(fields, "expires_at"); err != nil {
		return nil, err
	}
	if conn.ConnectedAt, err = parseInt(fields, "connected_at"); err != nil {
		return nil, err
	}
	if conn.LastSeenAt, err = parseInt(fields, "last_seen_at"); err != nil {
		return nil, err
	}
	return conn, nil
}

func parseInt(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt %s field: %w", key, err)
	}
	return v, nil
}
