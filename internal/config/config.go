package config

import (
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// DefaultPort 默认串口设备
const DefaultPort = "/dev/ttyUSB0"

// Config 全局配置结构体
type Config struct {
	Serial  SerialConfig  `mapstructure:"serial"`
	Blink   BlinkConfig   `mapstructure:"blink"`
	Journal JournalConfig `mapstructure:"journal"`
	Log     LogConfig     `mapstructure:"log"`
}

// SerialConfig 串口配置
//
// 线路参数固定为 9600 8N1、无流控，这里只允许修改设备路径。
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	MockMode    bool          `mapstructure:"mock_mode"`    // 使用内置模拟设备
	ReadTimeout time.Duration `mapstructure:"read_timeout"` // 0 表示一直阻塞
}

// BlinkConfig 闪烁脚本配置
type BlinkConfig struct {
	LegacyRedGroup bool `mapstructure:"legacy_red_group"` // 最多生成一组红色脉冲
}

// JournalConfig 命令日志库配置
type JournalConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Driver      string `mapstructure:"driver"`
	DSN         string `mapstructure:"dsn"`
	LogLevel    string `mapstructure:"log_level"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level   string            `mapstructure:"level"`
	Format  string            `mapstructure:"format"`
	Output  string            `mapstructure:"output"`
	File    LogFileConfig     `mapstructure:"file"`
	Modules map[string]string `mapstructure:"modules"`
}

// LogFileConfig 日志文件配置
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	cfg *Config
	mu  sync.RWMutex
	v   *viper.Viper
)

// Init 初始化配置
//
// configPath 为空时依次在 ./config 和当前目录中查找 config.yaml，找不到则使用默认值。
func Init(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	nv, err := load(configPath)
	if err != nil {
		return err
	}

	newCfg := &Config{}
	if err := nv.Unmarshal(newCfg); err != nil {
		return err
	}

	v = nv
	cfg = newCfg
	return nil
}

func load(configPath string) (*viper.Viper, error) {
	nv := viper.New()

	// 设置配置文件路径
	if configPath != "" {
		nv.SetConfigFile(configPath)
	} else {
		nv.SetConfigName("config")
		nv.SetConfigType("yaml")
		nv.AddConfigPath("./config")
		nv.AddConfigPath(".")
	}

	// 设置环境变量前缀
	nv.SetEnvPrefix("KURUMI")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)

	if err := nv.ReadInConfig(); err != nil {
		// 如果配置文件不存在，使用默认配置
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	return nv, nil
}

// setDefaults 设置默认配置值
func setDefaults(v *viper.Viper) {
	// 串口默认配置
	v.SetDefault("serial.port", DefaultPort)
	v.SetDefault("serial.mock_mode", false)
	v.SetDefault("serial.read_timeout", "0s")

	v.SetDefault("blink.legacy_red_group", false)

	// 命令日志库默认配置
	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.driver", "sqlite")
	v.SetDefault("journal.dsn", "./data/kurumi.db")
	v.SetDefault("journal.log_level", "warn")
	v.SetDefault("journal.auto_migrate", true)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file.path", "./logs")
	v.SetDefault("log.file.filename", "kurumi.log")
	v.SetDefault("log.file.max_size", 10)
	v.SetDefault("log.file.max_age", 30)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.compress", true)
}

// Get 获取配置实例
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// ConfigFile 返回实际使用的配置文件路径，未找到配置文件时为空
func ConfigFile() string {
	mu.RLock()
	defer mu.RUnlock()
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Set 动态设置配置值（命令行参数覆盖配置文件）
func Set(key string, value interface{}) error {
	mu.Lock()
	defer mu.Unlock()

	if v == nil {
		return nil
	}
	v.Set(key, value)

	newCfg := &Config{}
	if err := v.Unmarshal(newCfg); err != nil {
		return err
	}
	cfg = newCfg
	return nil
}
