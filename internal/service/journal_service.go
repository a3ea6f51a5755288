package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/hardware"
	"github.com/wfunc/kurumi/internal/logger"
	"github.com/wfunc/kurumi/internal/models"
	"github.com/wfunc/kurumi/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// JournalService 命令记录服务，实现 hardware.CommandObserver
//
// 每条命令同步写入一行，写入失败只记日志，不影响命令发送。
type JournalService struct {
	repo     repository.CommandLogRepository
	logger   *zap.Logger
	runID    string
	mode     string
	sequence int
	failures int
}

// NewJournalService 创建命令记录服务，每个实例对应一次执行
func NewJournalService(db *gorm.DB) *JournalService {
	return NewJournalServiceWithRepo(repository.NewCommandLogRepository(db))
}

// NewJournalServiceWithRepo 基于已有仓储创建命令记录服务
func NewJournalServiceWithRepo(repo repository.CommandLogRepository) *JournalService {
	return &JournalService{
		repo:   repo,
		logger: logger.GetModuleLogger("journal"),
		runID:  uuid.New().String(),
	}
}

// RunID 本次执行的ID
func (s *JournalService) RunID() string {
	return s.runID
}

// SetMode 设置执行模式（replay / blink），写入之后的记录
func (s *JournalService) SetMode(mode string) {
	s.mode = mode
}

// Failures 写入失败的次数
func (s *JournalService) Failures() int {
	return s.failures
}

// OnCommand 实现 hardware.CommandObserver
func (s *JournalService) OnCommand(ev hardware.CommandEvent) {
	log := &models.CommandLog{
		CreatedAt:    ev.SentAt,
		RunID:        s.runID,
		Sequence:     s.sequence,
		Port:         ev.Port,
		Mode:         s.mode,
		Command:      ev.Command,
		Echo:         ev.Echo,
		Prompt:       ev.Prompt,
		EchoMismatch: ev.EchoMismatch,
		Duration:     ev.Duration.Microseconds(),
	}
	if ev.Err != nil {
		log.ErrorMsg = ev.Err.Error()
	}
	s.sequence++

	start := time.Now()
	err := s.repo.Create(context.Background(), log)
	logger.LogDatabaseOperation("create", log.TableName(), time.Since(start), err)
	if err != nil {
		s.failures++
		s.logger.Error("写入命令记录失败",
			zap.String("run_id", s.runID),
			zap.Int("sequence", log.Sequence),
			zap.Error(errors.Wrap(err, errors.ErrDatabaseInsert, log.TableName())))
	}
}

// History 获取最新的命令记录
func (s *JournalService) History(ctx context.Context, limit int) ([]*models.CommandLog, error) {
	if limit <= 0 {
		return nil, errors.Newf(errors.ErrInvalidParam, "history limit must be positive: %d", limit)
	}
	logs, err := s.repo.Latest(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "latest command logs")
	}
	return logs, nil
}

// RunPageSize 分页查看一次执行时每页的行数
const RunPageSize = 50

// Run 按序号返回某次执行的命令，page <= 0 返回全部，否则返回第 page 页
func (s *JournalService) Run(ctx context.Context, runID string, page int) ([]*models.CommandLog, error) {
	var (
		logs []*models.CommandLog
		err  error
	)
	if page <= 0 {
		logs, err = s.repo.ListByRun(ctx, runID)
	} else {
		logs, err = s.repo.ListRun(ctx, runID, repository.NewPagination(page, RunPageSize))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "run "+runID)
	}
	return logs, nil
}

// Stats 获取统计信息
func (s *JournalService) Stats(ctx context.Context) (*models.CommandLogStats, error) {
	stats, err := s.repo.Stats(ctx, nil, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseQuery, "command log stats")
	}
	return stats, nil
}

// Cleanup 清理旧记录
func (s *JournalService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	n, err := s.repo.Cleanup(ctx, retentionDays)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabaseDelete, "cleanup command logs")
	}
	if n > 0 {
		s.logger.Info("已清理旧命令记录", zap.Int64("deleted", n), zap.Int("retention_days", retentionDays))
	}
	return n, nil
}
