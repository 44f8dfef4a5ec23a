package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codeverse/internal/identity"
	"codeverse/internal/model"

	"gorm.io/gorm"
)

// AccountStore 是 identity.Store 的 MySQL 实现。
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore 创建账户存储。
func NewAccountStore(db *gorm.DB) *AccountStore {
	return &AccountStore{db: db}
}

var _ identity.Store = (*AccountStore)(nil)

func (s *AccountStore) FindAccount(ctx context.Context, lookup identity.Lookup) (*model.Account, error) {
	if lookup.Value == "" {
		return nil, identity.ErrAccountNotFound
	}

	q := s.db.WithContext(ctx)
	switch lookup.Kind {
	case identity.ByUsername:
		q = q.Where("username = ?", lookup.Value)
	case identity.ByEmail:
		q = q.Where("email = ?", lookup.Value)
	case identity.ByEither:
		q = q.Where("username = ? OR email = ?", lookup.Value, lookup.Value)
	default:
		return nil, fmt.Errorf("%w: unknown lookup kind %d", identity.ErrValidation, lookup.Kind)
	}

	var account model.Account
	if err := q.First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, identity.ErrAccountNotFound
		}
		return nil, storageError("find account", err)
	}
	return &account, nil
}

func (s *AccountStore) FindAccountByID(ctx context.Context, id string) (*model.Account, error) {
	if id == "" {
		return nil, identity.ErrAccountNotFound
	}
	var account model.Account
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, identity.ErrAccountNotFound
		}
		return nil, storageError("find account by id", err)
	}
	return &account, nil
}

// CreateAccount 在同一事务中写入账户与注册资料。
func (s *AccountStore) CreateAccount(ctx context.Context, account *model.Account, profile *model.Profile) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(account).Error; err != nil {
			if isDuplicateKey(err) {
				return identity.ErrDuplicateIdentifier
			}
			return storageError("create account", err)
		}
		if profile == nil {
			return nil
		}
		profile.AccountID = account.ID
		if err := tx.Create(profile).Error; err != nil {
			return storageError("create profile", err)
		}
		return nil
	})
}

// DeleteUnverified 在同一事务中删除未验证账户及其资料。
func (s *AccountStore) DeleteUnverified(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND verified = ?", id, false).Delete(&model.Account{})
		if res.Error != nil {
			return storageError("delete account", res.Error)
		}
		if res.RowsAffected == 0 {
			return identity.ErrConflict
		}
		if err := tx.Where("account_id = ?", id).Delete(&model.Profile{}).Error; err != nil {
			return storageError("delete profile", err)
		}
		return nil
	})
}

func (s *AccountStore) RotateCode(ctx context.Context, id, expectedCode, code string, expiresAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND verification_code = ? AND verified = ?", id, expectedCode, false).
		Updates(map[string]interface{}{
			"verification_code": code,
			"code_expires_at":   expiresAt,
		})
	if res.Error != nil {
		return storageError("rotate code", res.Error)
	}
	if res.RowsAffected == 0 {
		return identity.ErrConflict
	}
	return nil
}

func (s *AccountStore) MarkVerified(ctx context.Context, id, code string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ? AND verification_code = ? AND verified = ?", id, code, false).
		Updates(map[string]interface{}{
			"verified":          true,
			"verification_code": "",
			"verified_at":       at,
		})
	if res.Error != nil {
		return storageError("mark verified", res.Error)
	}
	if res.RowsAffected == 0 {
		return identity.ErrConflict
	}
	return nil
}
