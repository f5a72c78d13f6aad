package store

import (
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentRecord 文档当前状态（每个文档一行）
type DocumentRecord struct {
	ID        string    `gorm:"primaryKey;type:varchar(191)"`
	Version   uint64    `gorm:"not null"`
	Content   string    `gorm:"type:longtext;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DocumentRecord) TableName() string { return "documents" }

// SnapshotRecord 历史快照，(document_id, version) 唯一
type SnapshotRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"type:varchar(191);not null;uniqueIndex:uk_doc_version"`
	Version    uint64    `gorm:"not null;uniqueIndex:uk_doc_version"`
	Content    string    `gorm:"type:longtext;not null"`
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentRecord{}, &SnapshotRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}
