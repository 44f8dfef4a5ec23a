package store

import (
	"errors"
	"fmt"

	"codeverse/internal/identity"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// mysqlDuplicateEntry 是 MySQL 唯一键冲突错误码。
const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}

func storageError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", identity.ErrStorage, op, err)
}
