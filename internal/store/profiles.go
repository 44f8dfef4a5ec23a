package store

import (
	"context"
	"errors"

	"codeverse/internal/model"
	"codeverse/internal/profile"

	"gorm.io/gorm"
)

// ProfileStore 是 profile.Store 的 MySQL 实现。
type ProfileStore struct {
	db *gorm.DB
}

func NewProfileStore(db *gorm.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

var _ profile.Store = (*ProfileStore)(nil)

var detailColumns = []string{"role", "about", "technologies", "social_links", "projects", "completed_at"}

func (s *ProfileStore) Find(ctx context.Context, accountID string) (*model.Profile, error) {
	var p model.Profile
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, profile.ErrNotFound
		}
		return nil, storageError("find profile", err)
	}
	return &p, nil
}

// Complete 只在 completed_at 为空时写入详细资料；资料行不存在时直接创建。
func (s *ProfileStore) Complete(ctx context.Context, accountID string, p *model.Profile) error {
	db := s.db.WithContext(ctx)

	res := db.Model(&model.Profile{}).
		Where("account_id = ? AND completed_at IS NULL", accountID).
		Select(detailColumns).
		Updates(p)
	if res.Error != nil {
		return storageError("complete profile", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := db.Model(&model.Profile{}).Where("account_id = ?", accountID).Count(&count).Error; err != nil {
		return storageError("count profile", err)
	}
	if count > 0 {
		return profile.ErrAlreadyCompleted
	}

	row := *p
	row.AccountID = accountID
	if err := db.Create(&row).Error; err != nil {
		if isDuplicateKey(err) {
			return profile.ErrAlreadyCompleted
		}
		return storageError("create profile", err)
	}
	return nil
}
