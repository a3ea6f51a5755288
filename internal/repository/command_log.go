package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wfunc/kurumi/internal/models"
	"gorm.io/gorm"
)

// CommandLogRepository 命令记录仓储接口
type CommandLogRepository interface {
	BaseRepository
	Create(ctx context.Context, log *models.CommandLog) error
	ListByRun(ctx context.Context, runID string) ([]*models.CommandLog, error)
	ListRun(ctx context.Context, runID string, pagination *Pagination) ([]*models.CommandLog, error)
	Latest(ctx context.Context, limit int) ([]*models.CommandLog, error)
	Stats(ctx context.Context, startTime, endTime *time.Time) (*models.CommandLogStats, error)
	DeleteBefore(ctx context.Context, beforeTime time.Time) (int64, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// commandLogRepo 命令记录仓储实现
type commandLogRepo struct {
	*BaseRepo
}

// NewCommandLogRepository 创建命令记录仓储
func NewCommandLogRepository(db *gorm.DB) CommandLogRepository {
	return &commandLogRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Create 创建命令记录
func (r *commandLogRepo) Create(ctx context.Context, log *models.CommandLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

// ListByRun 按序号返回一次执行的全部命令
func (r *commandLogRepo) ListByRun(ctx context.Context, runID string) ([]*models.CommandLog, error) {
	var logs []*models.CommandLog
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Find(&logs).Error
	return logs, err
}

// ListRun 分页返回一次执行的命令，pagination 为空时取第一页
func (r *commandLogRepo) ListRun(ctx context.Context, runID string, pagination *Pagination) ([]*models.CommandLog, error) {
	if pagination == nil {
		pagination = NewPagination(1, 0)
	}
	var logs []*models.CommandLog
	query := r.db.WithContext(ctx).Model(&models.CommandLog{}).Where("run_id = ?", runID)

	// 获取总数
	if err := query.Count(&pagination.Total).Error; err != nil {
		return nil, err
	}

	err := query.Scopes(Paginate(pagination)).
		Order("sequence ASC").
		Find(&logs).Error
	return logs, err
}

// Latest 获取最新的命令记录，按时间倒序
func (r *commandLogRepo) Latest(ctx context.Context, limit int) ([]*models.CommandLog, error) {
	var logs []*models.CommandLog
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// Stats 获取统计信息
func (r *commandLogRepo) Stats(ctx context.Context, startTime, endTime *time.Time) (*models.CommandLogStats, error) {
	stats := &models.CommandLogStats{}

	scope := func(db *gorm.DB) *gorm.DB {
		db = db.Model(&models.CommandLog{})
		if startTime != nil {
			db = db.Where("created_at >= ?", *startTime)
		}
		if endTime != nil {
			db = db.Where("created_at <= ?", *endTime)
		}
		return db
	}
	db := r.db.WithContext(ctx)

	// 总数统计
	if err := db.Scopes(scope).Count(&stats.TotalCount).Error; err != nil {
		return nil, err
	}

	// 执行次数
	if err := db.Scopes(scope).Distinct("run_id").Count(&stats.TotalRuns).Error; err != nil {
		return nil, err
	}

	// 错误统计
	if err := db.Scopes(scope).
		Where("status = ?", models.CommandStatusFailed).
		Count(&stats.TotalErrors).Error; err != nil {
		return nil, err
	}
	if err := db.Scopes(scope).
		Where("echo_mismatch = ?", true).
		Count(&stats.TotalMismatch).Error; err != nil {
		return nil, err
	}

	// 性能统计
	type DurationStats struct {
		AvgDuration sql.NullFloat64
		MaxDuration sql.NullInt64
		MinDuration sql.NullInt64
	}
	var durationStats DurationStats
	if err := db.Scopes(scope).
		Select("AVG(duration) as avg_duration, MAX(duration) as max_duration, MIN(duration) as min_duration").
		Where("duration > 0").
		Scan(&durationStats).Error; err != nil {
		return nil, err
	}
	stats.AvgDuration = durationStats.AvgDuration.Float64
	stats.MaxDuration = durationStats.MaxDuration.Int64
	stats.MinDuration = durationStats.MinDuration.Int64

	return stats, nil
}

// DeleteBefore 删除旧记录
func (r *commandLogRepo) DeleteBefore(ctx context.Context, beforeTime time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("created_at < ?", beforeTime).Delete(&models.CommandLog{})
	return result.RowsAffected, result.Error
}

// Cleanup 清理记录（保留最近N天的数据）
func (r *commandLogRepo) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention days must be greater than 0")
	}
	return r.DeleteBefore(ctx, time.Now().AddDate(0, 0, -retentionDays))
}
