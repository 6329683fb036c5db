package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
)

type documentRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Title     string `gorm:"size:255;not null"`
	OwnerID   string `gorm:"size:36;not null;index"`
	Snapshot  string `gorm:"type:longtext;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
}

func (documentRow) TableName() string { return "documents" }

type collaboratorRow struct {
	DocumentID string `gorm:"primaryKey;size:36"`
	UserID     string `gorm:"primaryKey;size:36;index"`
	CreatedAt  time.Time
}

func (collaboratorRow) TableName() string { return "document_collaborators" }

// historyRow 自增 id 决定追加顺序
type historyRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"size:36;not null;index"`
	AuthorID   string `gorm:"size:36;not null"`
	Delta      string `gorm:"type:longtext;not null"`
	CreatedAt  time.Time
}

func (historyRow) TableName() string { return "document_history" }

type GormStore struct {
	db *gorm.DB
}

func InitMySQL(dsn string) (*gorm.DB, error) {
	return gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate 建表
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&documentRow{}, &collaboratorRow{}, &historyRow{})
}

func (s *GormStore) Create(ctx context.Context, doc *document.Document) error {
	if err := prepareCreate(doc); err != nil {
		return err
	}
	snapshot, err := json.Marshal(doc.Snapshot)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := documentRow{
			ID:        doc.ID,
			Title:     doc.Title,
			OwnerID:   doc.Owner,
			Snapshot:  string(snapshot),
			CreatedAt: doc.CreatedAt,
			UpdatedAt: doc.UpdatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, uid := range doc.Collaborators {
			if err := tx.Create(&collaboratorRow{DocumentID: doc.ID, UserID: uid, CreatedAt: doc.CreatedAt}).Error; err != nil {
				return err
			}
		}
		for _, e := range doc.History {
			if err := insertHistory(tx, doc.ID, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) Get(ctx context.Context, id string) (*document.Document, error) {
	db := s.db.WithContext(ctx)
	var row documentRow
	if err := db.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	doc, err := row.toDocument()
	if err != nil {
		return nil, err
	}
	if err := db.Model(&collaboratorRow{}).Where("document_id = ?", id).
		Order("created_at, user_id").Pluck("user_id", &doc.Collaborators).Error; err != nil {
		return nil, err
	}

	var hist []historyRow
	if err := db.Where("document_id = ?", id).Order("id").Find(&hist).Error; err != nil {
		return nil, err
	}
	doc.History = make([]document.ChangeEntry, 0, len(hist))
	for _, h := range hist {
		d, err := delta.Parse([]byte(h.Delta))
		if err != nil {
			return nil, fmt.Errorf("history %d of %s: %w", h.ID, id, err)
		}
		doc.History = append(doc.History, document.ChangeEntry{Author: h.AuthorID, Delta: d, CreatedAt: h.CreatedAt})
	}
	return doc, nil
}

func (s *GormStore) ListForUser(ctx context.Context, userID string) ([]*document.Document, error) {
	db := s.db.WithContext(ctx)
	shared := db.Model(&collaboratorRow{}).Select("document_id").Where("user_id = ?", userID)

	var rows []documentRow
	if err := db.Where("owner_id = ?", userID).Or("id IN (?)", shared).
		Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []*document.Document{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	var collabs []collaboratorRow
	if err := db.Where("document_id IN ?", ids).Order("created_at, user_id").Find(&collabs).Error; err != nil {
		return nil, err
	}
	byDoc := make(map[string][]string, len(rows))
	for _, c := range collabs {
		byDoc[c.DocumentID] = append(byDoc[c.DocumentID], c.UserID)
	}

	out := make([]*document.Document, 0, len(rows))
	for _, r := range rows {
		doc, err := r.toDocument()
		if err != nil {
			return nil, err
		}
		if cs, ok := byDoc[r.ID]; ok {
			doc.Collaborators = cs
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *GormStore) SaveSnapshot(ctx context.Context, id string, snapshot delta.Delta) (time.Time, error) {
	if err := document.ValidateSnapshot(snapshot); err != nil {
		return time.Time{}, err
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return time.Time{}, err
	}
	now := time.Now().UTC()
	if err := s.update(ctx, id, map[string]any{"snapshot": string(b), "updated_at": now}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (s *GormStore) AppendHistory(ctx context.Context, id string, entry document.ChangeEntry) error {
	if err := prepareEntry(&entry); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := exists(tx, id); err != nil {
			return err
		}
		return insertHistory(tx, id, entry)
	})
}

func (s *GormStore) AddCollaborator(ctx context.Context, id, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row documentRow
		if err := tx.Select("id", "owner_id").First(&row, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if row.OwnerID == userID {
			return fmt.Errorf("%w: owner cannot be a collaborator", document.ErrInvalidRecord)
		}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&collaboratorRow{DocumentID: id, UserID: userID, CreatedAt: time.Now().UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 已经是协作者
			return nil
		}
		return tx.Model(&documentRow{}).Where("id = ?", id).Update("updated_at", time.Now().UTC()).Error
	})
}

func (s *GormStore) Rename(ctx context.Context, id, title string) error {
	return s.update(ctx, id, map[string]any{"title": normalizeTitle(title), "updated_at": time.Now().UTC()})
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&documentRow{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Delete(&collaboratorRow{}, "document_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&historyRow{}, "document_id = ?", id).Error
	})
}

func (s *GormStore) update(ctx context.Context, id string, fields map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&documentRow{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// MySQL 在值没变化时也返回 0，这里再确认一次文档是否存在
		return exists(db, id)
	}
	return nil
}

func exists(db *gorm.DB, id string) error {
	var n int64
	if err := db.Model(&documentRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertHistory(tx *gorm.DB, id string, e document.ChangeEntry) error {
	b, err := json.Marshal(e.Delta)
	if err != nil {
		return err
	}
	return tx.Create(&historyRow{DocumentID: id, AuthorID: e.Author, Delta: string(b), CreatedAt: e.CreatedAt}).Error
}

func (r documentRow) toDocument() (*document.Document, error) {
	snapshot, err := delta.Parse([]byte(r.Snapshot))
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", r.ID, err)
	}
	return &document.Document{
		ID:            r.ID,
		Title:         r.Title,
		Owner:         r.OwnerID,
		Collaborators: []string{},
		Snapshot:      snapshot,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}
