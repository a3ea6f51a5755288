// Package repositorytest 提供仓储层测试用的内存数据库
package repositorytest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wfunc/kurumi/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupDB 为测试设置内存数据库并迁移命令记录表，测试结束时自动关闭
func SetupDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// 内存库每个连接各自独立，限制为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.CommandLog{}))

	t.Cleanup(func() { CleanupDB(db) })
	return db
}

// CleanupDB 关闭测试数据库连接，可重复调用
func CleanupDB(db *gorm.DB) {
	sqlDB, _ := db.DB()
	if sqlDB != nil {
		sqlDB.Close()
	}
}
