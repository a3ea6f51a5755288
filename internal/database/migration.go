package database

import (
	"fmt"

	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/logger"
	"github.com/wfunc/kurumi/internal/models"
	"go.uber.org/zap"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return errors.New(errors.ErrDatabaseConnect, "数据库未初始化")
	}
	log := logger.WithModule("journal")

	// 获取迁移锁，避免多个进程同时迁移同一个 sqlite 文件
	if dbPath := getDBPath(); dbPath != "" {
		CleanupStaleLocks(dbPath)
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			log.Error("无法获取迁移锁", zap.Error(err))
			return errors.Wrap(err, errors.ErrDatabaseConnect, "获取迁移锁失败")
		}
		defer releaseMigrationLock(lockFile)
	}

	migrationModels := []interface{}{
		&models.CommandLog{},
	}

	for _, model := range migrationModels {
		if err := DB.AutoMigrate(model); err != nil {
			log.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return errors.Wrap(err, errors.ErrDatabaseConnect, "迁移失败")
		}
		log.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	createIndexes()

	log.Info("数据库迁移完成")
	return nil
}

// createIndexes 创建复合索引，失败只告警
func createIndexes() {
	if err := DB.Exec("CREATE INDEX IF NOT EXISTS idx_command_logs_run_sequence ON command_logs(run_id, sequence)").Error; err != nil {
		logger.WithModule("journal").Warn("创建索引失败", zap.String("index", "idx_command_logs_run_sequence"), zap.Error(err))
	}
}
