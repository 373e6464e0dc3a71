package main

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// archiveSink is what the in-memory stores call through to when a durable
// archive is attached. All methods are best-effort; archive failures never
// fail the in-memory operation.
type archiveSink interface {
	SaveChannel(ch ChannelView)
	SaveMessage(m Message)
	ClearChannelMessages(channelID string, clearedAt time.Time)
	DeleteMessage(messageID string)
}

type ChannelRecord struct {
	gorm.Model

	ChannelID        string `gorm:"column:channelid;uniqueIndex"`
	Fingerprint      int    `gorm:"column:fingerprint;index"`
	Name             string `gorm:"column:name"`
	Kind             string `gorm:"column:kind"`
	Visibility       string `gorm:"column:visibility"`
	CreatorID        string `gorm:"column:creatorid"`
	RequiresApproval bool   `gorm:"column:requires_approval"`
	Archived         bool   `gorm:"column:archived"`
	Deleted          bool   `gorm:"column:deleted"`
}

type MessageRecord struct {
	gorm.Model

	MessageID  string `gorm:"column:messageid;uniqueIndex"`
	ChannelID  string `gorm:"column:channelid;index"`
	SenderID   string `gorm:"column:senderid;index"`
	SenderName string `gorm:"column:sendername"`
	Content    string `gorm:"column:content"`
	Origin     string `gorm:"column:origin"`
}

type ChannelClearRecord struct {
	gorm.Model

	ChannelID string    `gorm:"column:channelid;uniqueIndex"`
	ClearedAt time.Time `gorm:"column:clearedat"`
}

// Archive is the optional postgres write-through store. The in-memory state
// stays authoritative; the archive preserves the identifier/fingerprint
// duality and the clear tombstones across restarts.
type Archive struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

func newArchive(dsn string, dblog bool) (*Archive, error) {
	loglevel := logger.Error
	if dblog {
		loglevel = logger.Info
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		CreateBatchSize: 10,
		Logger: logger.New(zap.NewStdLog(zap.L()), logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      loglevel,
		}),
	})
	if err != nil {
		return nil, err
	}
	db.AutoMigrate(new(ChannelRecord), new(MessageRecord), new(ChannelClearRecord))
	return &Archive{db: db, log: zap.S().With("component", "archive")}, nil
}

func (a *Archive) SaveChannel(ch ChannelView) {
	rec := ChannelRecord{
		ChannelID:        ch.ID,
		Fingerprint:      int(ch.Fingerprint),
		Name:             ch.Name,
		Kind:             string(ch.Kind),
		Visibility:       string(ch.Visibility),
		CreatorID:        ch.CreatorID,
		RequiresApproval: ch.RequiresApproval,
		Archived:         ch.Archived,
		Deleted:          ch.Deleted,
	}
	err := a.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "channelid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "kind", "visibility", "requires_approval", "archived", "deleted",
		}),
	}).Create(&rec).Error
	if err != nil {
		a.log.Error("db:save channel:", err)
	}
}

func (a *Archive) SaveMessage(m Message) {
	rec := MessageRecord{
		MessageID:  m.ID,
		ChannelID:  m.ChannelID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Origin:     string(m.Origin),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		a.log.Error("db:save message:", err)
	}
}

func (a *Archive) ClearChannelMessages(channelID string, clearedAt time.Time) {
	if err := a.db.Where("channelid = ?", channelID).Delete(new(MessageRecord)).Error; err != nil {
		a.log.Error("db:clear channel messages:", err)
	}
	rec := ChannelClearRecord{ChannelID: channelID, ClearedAt: clearedAt}
	err := a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channelid"}},
		DoUpdates: clause.AssignmentColumns([]string{"clearedat"}),
	}).Create(&rec).Error
	if err != nil {
		a.log.Error("db:save clear tombstone:", err)
	}
}

func (a *Archive) DeleteMessage(messageID string) {
	if err := a.db.Where("messageid = ?", messageID).Delete(new(MessageRecord)).Error; err != nil {
		a.log.Error("db:delete message:", err)
	}
}
