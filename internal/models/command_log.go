package models

import (
	"time"

	"gorm.io/gorm"
)

// CommandStatus 命令执行结果
type CommandStatus string

const (
	CommandStatusOK       CommandStatus = "OK"
	CommandStatusMismatch CommandStatus = "MISMATCH" // 回显不一致
	CommandStatusFailed   CommandStatus = "FAILED"
)

// CommandLog 串口命令记录，每条发送到设备的命令一行
type CommandLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	CreatedAt time.Time `gorm:"index;not null" json:"created_at"`

	// 关联信息
	RunID    string `gorm:"type:varchar(36);index;not null" json:"run_id"`        // 一次命令行执行的ID
	Sequence int    `gorm:"not null" json:"sequence"`                             // 本次执行中的序号，从 0 开始
	Port     string `gorm:"type:varchar(255)" json:"port,omitempty"`              // 串口设备
	Mode     string `gorm:"type:varchar(20);index" json:"mode,omitempty"`         // replay / blink

	// 命令相关
	Command      string        `gorm:"type:varchar(255);index" json:"command"`   // 命令内容（如 "3 red on"）
	Echo         string        `gorm:"type:varchar(255)" json:"echo,omitempty"`  // 设备回显
	Prompt       string        `gorm:"type:varchar(32)" json:"prompt,omitempty"` // 提示符原始内容
	EchoMismatch bool          `gorm:"default:false" json:"echo_mismatch"`
	Status       CommandStatus `gorm:"type:varchar(10);index;default:OK" json:"status"`
	ErrorMsg     string        `gorm:"type:text" json:"error_msg,omitempty"`

	// 性能指标
	Duration  int64 `gorm:"default:0" json:"duration"` // 处理时长（微秒）
	Timestamp int64 `gorm:"index" json:"timestamp"`    // Unix时间戳（毫秒）
}

// TableName 指定表名
func (CommandLog) TableName() string {
	return "command_logs"
}

// BeforeCreate 创建前的钩子
func (c *CommandLog) BeforeCreate(tx *gorm.DB) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	if c.Timestamp == 0 {
		c.Timestamp = c.CreatedAt.UnixMilli()
	}
	if c.Status == "" {
		switch {
		case c.ErrorMsg != "":
			c.Status = CommandStatusFailed
		case c.EchoMismatch:
			c.Status = CommandStatusMismatch
		default:
			c.Status = CommandStatusOK
		}
	}
	return nil
}

// CommandLogStats 命令统计
type CommandLogStats struct {
	TotalCount    int64   `json:"total_count"`
	TotalRuns     int64   `json:"total_runs"`
	TotalErrors   int64   `json:"total_errors"`
	TotalMismatch int64   `json:"total_mismatch"`
	AvgDuration   float64 `json:"avg_duration"`
	MaxDuration   int64   `json:"max_duration"`
	MinDuration   int64   `json:"min_duration"`
}
