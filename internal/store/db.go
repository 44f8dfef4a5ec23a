package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"codeverse/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// DB 持有进程级的数据库连接。
//
// Connect 与 Close 都是幂等的；Close 之后可以再次 Connect。
type DB struct {
	mu        sync.Mutex
	dialector gorm.Dialector
	logger    *slog.Logger
	gdb       *gorm.DB
}

// NewDB 创建 MySQL 连接句柄，此时不会建立连接。
func NewDB(dsn string, logger *slog.Logger) *DB {
	return newDB(mysql.Open(dsn), logger)
}

func newDB(dialector gorm.Dialector, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	return &DB{dialector: dialector, logger: logger}
}

// Connect 建立连接（已连接时直接返回现有连接）。
func (d *DB) Connect(ctx context.Context) (*gorm.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gdb != nil {
		return d.gdb, nil
	}

	gdb, err := gorm.Open(d.dialector, &gorm.Config{
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d.gdb = gdb
	d.logger.Info("database connected")
	return gdb, nil
}

// Migrate 自动迁移账户与资料表。
func (d *DB) Migrate(ctx context.Context) error {
	gdb, err := d.Connect(ctx)
	if err != nil {
		return err
	}
	if err := gdb.WithContext(ctx).AutoMigrate(&model.Account{}, &model.Profile{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Ping 检查连接是否可用。
func (d *DB) Ping(ctx context.Context) error {
	d.mu.Lock()
	gdb := d.gdb
	d.mu.Unlock()
	if gdb == nil {
		return errors.New("database not connected")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接，未连接时什么也不做。
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.gdb == nil {
		return nil
	}
	sqlDB, err := d.gdb.DB()
	d.gdb = nil
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	d.logger.Info("database closed")
	return nil
}
