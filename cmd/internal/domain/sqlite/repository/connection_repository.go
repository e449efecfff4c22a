package repository

import (
	"context"
	"errors"
	"liverelay/cmd/internal/domain/entity"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DefaultConnectionRepository struct {
	db *gorm.DB
}

func NewConnectionRepository(db *gorm.DB) *DefaultConnectionRepository {
	return &DefaultConnectionRepository{db: db}
}

// Save writes the connection and its memberships atomically, replacing any
// previous record with the same id.
func (c *DefaultConnectionRepository) Save(ctx context.Context, conn *entity.Connection) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(conn).Error; err != nil {
			return err
		}

		err := tx.Where("connection_id = ?", conn.ConnectionID).
			Delete(&entity.ConnectionConversation{}).Error
		if err != nil {
			return err
		}

		if len(conn.ConversationIDs) == 0 {
			return nil
		}

		rows := make([]entity.ConnectionConversation, len(conn.ConversationIDs))
		for i, convID := range conn.ConversationIDs {
			rows[i] = entity.ConnectionConversation{ConnectionID: conn.ConnectionID, ConversationID: convID}
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// FindByID returns nil without error when the connection does not exist.
func (c *DefaultConnectionRepository) FindByID(ctx context.Context, connID string) (*entity.Connection, error) {
	var conn entity.Connection
	err := c.db.WithContext(ctx).Where("connection_id = ?", connID).First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	conns := []*entity.Connection{&conn}
	if err := c.attachConversations(ctx, conns); err != nil {
		return nil, err
	}
	return &conn, nil
}

// Delete reports whether a record was actually removed.
func (c *DefaultConnectionRepository) Delete(ctx context.Context, connID string) (bool, error) {
	var removed bool
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("connection_id = ?", connID).
			Delete(&entity.ConnectionConversation{}).Error
		if err != nil {
			return err
		}

		result := tx.Where("connection_id = ?", connID).Delete(&entity.Connection{})
		removed = result.RowsAffected > 0
		return result.Error
	})
	return removed, err
}

func (c *DefaultConnectionRepository) FindByUserID(ctx context.Context, userID string) ([]*entity.Connection, error) {
	var conns []*entity.Connection
	err := c.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("connected_at").
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, c.attachConversations(ctx, conns)
}

func (c *DefaultConnectionRepository) FindByConversation(ctx context.Context, conversationID string) ([]*entity.Connection, error) {
	var conns []*entity.Connection
	err := c.db.WithContext(ctx).
		Joins("JOIN connection_conversations cc ON cc.connection_id = connections.connection_id").
		Where("cc.conversation_id = ?", conversationID).
		Order("connections.connected_at").
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, c.attachConversations(ctx, conns)
}

func (c *DefaultConnectionRepository) FindAll(ctx context.Context) ([]*entity.Connection, error) {
	var conns []*entity.Connection
	if err := c.db.WithContext(ctx).Order("connected_at").Find(&conns).Error; err != nil {
		return nil, err
	}
	return conns, c.attachConversations(ctx, conns)
}

func (c *DefaultConnectionRepository) CountByUserID(ctx context.Context, userID string) (int, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&entity.Connection{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return int(count), err
}

// JoinConversation marks conversationID as the visible one and subscribes the
// connection to it. Returns false when the connection is unknown.
func (c *DefaultConnectionRepository) JoinConversation(ctx context.Context, connID, conversationID string) (bool, error) {
	var found bool
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entity.Connection{}).
			Where("connection_id = ?", connID).
			Update("visible_conversation", conversationID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		found = true

		row := entity.ConnectionConversation{ConnectionID: connID, ConversationID: conversationID}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	})
	return found, err
}

func (c *DefaultConnectionRepository) UpdateHeartbeat(ctx context.Context, connID string, now int64) error {
	return c.db.WithContext(ctx).
		Model(&entity.Connection{}).
		Where("connection_id = ?", connID).
		Update("last_seen_at", now).Error
}

// FindStale returns connections not seen since seenBefore or whose token
// expired at or before now.
func (c *DefaultConnectionRepository) FindStale(ctx context.Context, seenBefore, now int64) ([]*entity.Connection, error) {
	var conns []*entity.Connection
	err := c.db.WithContext(ctx).
		Where("last_seen_at < ? OR (expires_at > 0 AND expires_at <= ?)", seenBefore, now).
		Find(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, c.attachConversations(ctx, conns)
}

func (c *DefaultConnectionRepository) attachConversations(ctx context.Context, conns []*entity.Connection) error {
	if len(conns) == 0 {
		return nil
	}

	ids := make([]string, len(conns))
	byID := make(map[string]*entity.Connection, len(conns))
	for i, conn := range conns {
		ids[i] = conn.ConnectionID
		conn.ConversationIDs = []string{}
		byID[conn.ConnectionID] = conn
	}

	var rows []entity.ConnectionConversation
	err := c.db.WithContext(ctx).
		Where("connection_id IN ?", ids).
		Order("rowid").
		Find(&rows).Error
	if err != nil {
		return err
	}

	for _, row := range rows {
		if conn, ok := byID[row.ConnectionID]; ok {
			conn.ConversationIDs = append(conn.ConversationIDs, row.ConversationID)
		}
	}
	return nil
}
