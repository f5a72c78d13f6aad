package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"edin/backend/internal/docsync"
)

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, docID string, version uint64, content []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (document_id, version, content, created_at)
		VALUES (?, ?, ?, ?)`,
		docID,
		version,
		string(content),
		time.Now(),
	)
	if err != nil {
		// 同一版本重复保存视为成功
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return err
	}
	return nil
}

// LatestSnapshot 返回最新的历史快照，没有时返回 nil, nil
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, docID string) (*docsync.Snapshot, error) {
	var (
		version uint64
		raw     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, content FROM document_snapshots
		WHERE document_id = ? ORDER BY version DESC LIMIT 1`,
		docID,
	).Scan(&version, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var content any
	if err := json.Unmarshal([]byte(raw), &content); err != nil {
		return nil, err
	}
	return &docsync.Snapshot{ID: docID, Version: version, Content: content}, nil
}
