package hardware

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/logger"
	"go.uber.org/zap"
)

// 线路参数，设备固件只支持 9600 8N1
const (
	BaudRate   = 9600
	DataBits   = 8
	PromptSize = 10
)

// CommandEvent 一条命令的完整收发记录
type CommandEvent struct {
	Port         string
	Command      string
	Echo         string
	Prompt       string
	EchoMismatch bool
	SentAt       time.Time
	Duration     time.Duration
	Err          error
}

// CommandObserver 命令观察者，每条命令结束后（无论成功失败）回调一次
type CommandObserver interface {
	OnCommand(ev CommandEvent)
}

// CommandObserverFunc 函数适配器
type CommandObserverFunc func(ev CommandEvent)

// OnCommand 实现 CommandObserver
func (f CommandObserverFunc) OnCommand(ev CommandEvent) { f(ev) }

// Option 会话选项
type Option func(*Session)

// WithObserver 追加命令观察者
func WithObserver(o CommandObserver) Option {
	return func(s *Session) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithReadTimeout 设置读超时，0 表示一直阻塞
func WithReadTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.readTimeout = d
	}
}

// WithName 设置会话名称（日志和命令记录中的 port 字段）
func WithName(name string) Option {
	return func(s *Session) {
		s.name = name
	}
}

// WithLogger 替换会话日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// Session 串口会话
//
// 设备按字节回显，每条命令以 CR 结束后返回提示符。
// Session 不是并发安全的，同一时刻只能有一个调用方发送命令。
type Session struct {
	port        SerialPort
	name        string
	readTimeout time.Duration
	observers   []CommandObserver
	logger      *zap.Logger

	closeOnce sync.Once
	closed    bool
	closeErr  error

	echoBuf   [1]byte
	promptBuf [PromptSize]byte
}

// openPort 打开物理串口，测试中可替换
var openPort = func(c *serial.Config) (SerialPort, error) {
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PortExists 检查串口设备节点是否存在
func PortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Open 打开串口并清空缓冲区
func Open(name string, opts ...Option) (*Session, error) {
	s := newSession(name, opts...)

	cfg := &serial.Config{
		Name:        name,
		Baud:        BaudRate,
		Size:        DataBits,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: s.readTimeout,
	}

	port, err := openPort(cfg)
	if err != nil {
		detail := name
		if !PortExists(name) {
			detail = name + ": 设备节点不存在"
		}
		s.logger.Error("打开串口失败",
			zap.String("port", name),
			zap.Error(err))
		return nil, errors.Wrap(err, errors.ErrSerialPortOpen, detail)
	}

	if err := s.attach(port); err != nil {
		return nil, err
	}

	s.logger.Info("串口连接成功",
		zap.String("port", name),
		zap.Int("baud_rate", BaudRate),
		zap.Duration("read_timeout", s.readTimeout))
	return s, nil
}

// NewSession 基于已打开的端口创建会话（模拟设备、测试替身）
func NewSession(port SerialPort, opts ...Option) (*Session, error) {
	if port == nil {
		return nil, errors.New(errors.ErrInvalidParam, "nil serial port")
	}
	s := newSession("", opts...)
	if err := s.attach(port); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(name string, opts ...Option) *Session {
	s := &Session{
		name:   name,
		logger: logger.GetModuleLogger("serial"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(s.observers) == 0 {
		s.observers = []CommandObserver{LogObserver{}}
	}
	return s
}

// attach 清空残留数据后接管端口，失败时关闭端口
func (s *Session) attach(port SerialPort) error {
	if err := port.Flush(); err != nil {
		_ = port.Close()
		s.logger.Error("清空串口缓冲区失败",
			zap.String("port", s.name),
			zap.Error(err))
		return errors.Wrap(err, errors.ErrSerialFlush, s.name)
	}
	s.port = port
	return nil
}

// Name 会话名称
func (s *Session) Name() string {
	return s.name
}

// IsOpen 会话是否仍可用
func (s *Session) IsOpen() bool {
	return !s.closed
}

// SendCommand 发送一条命令
//
// 逐字节写入并读回回显，最后写入 CR 并读取 PromptSize 字节的提示符。
// 回显与发送内容不一致只告警不报错。
func (s *Session) SendCommand(cmd string) error {
	if s.closed {
		return errors.New(errors.ErrDeviceOffline, s.name)
	}

	ev := CommandEvent{
		Port:    s.name,
		Command: cmd,
		SentAt:  time.Now(),
	}
	s.logger.Debug("发送命令", zap.String("command", cmd))

	ev.Err = s.exchange(cmd, &ev)
	ev.Duration = time.Since(ev.SentAt)

	if ev.EchoMismatch {
		s.logger.Warn("回显不一致",
			zap.String("command", cmd),
			zap.String("echo", ev.Echo))
	}

	for _, o := range s.observers {
		o.OnCommand(ev)
	}
	return ev.Err
}

func (s *Session) exchange(cmd string, ev *CommandEvent) error {
	echo := make([]byte, 0, len(cmd))
	defer func() { ev.Echo = string(echo) }()

	for i := 0; i < len(cmd); i++ {
		if err := s.write(cmd[i]); err != nil {
			return err
		}
		b, err := s.readEcho()
		if err != nil {
			return err
		}
		if b != cmd[i] {
			ev.EchoMismatch = true
		}
		echo = append(echo, b)
	}

	if err := s.write('\r'); err != nil {
		return err
	}

	n, err := s.readPrompt()
	ev.Prompt = string(s.promptBuf[:n])
	return err
}

// readPrompt 读满 PromptSize 字节的提示符
//
// 串口每次 Read 可能只返回一部分，必须累积读取，否则剩余字节会被当成下一条命令的回显。
// 配置了读超时时，超时前读到的部分提示符也接受。
func (s *Session) readPrompt() (int, error) {
	got := 0
	for got < PromptSize {
		n, err := s.port.Read(s.promptBuf[got:])
		got += n
		quiet := err == nil || err == io.EOF
		if n > 0 && quiet {
			continue
		}
		if got == 0 {
			return 0, s.readFailure(err, "prompt")
		}
		if s.readTimeout > 0 && quiet {
			s.logger.Debug("提示符不完整",
				zap.String("port", s.name),
				zap.Int("bytes", got))
			return got, nil
		}
		if quiet {
			err = io.ErrUnexpectedEOF
		}
		return got, errors.Wrapf(err, errors.ErrSerialPortRead, "%s: read prompt", s.name)
	}
	return got, nil
}

func (s *Session) write(b byte) error {
	if _, err := s.port.Write([]byte{b}); err != nil {
		return errors.Wrap(err, errors.ErrSerialPortWrite, s.name)
	}
	return nil
}

func (s *Session) readEcho() (byte, error) {
	n, err := s.port.Read(s.echoBuf[:])
	if n == 1 {
		return s.echoBuf[0], nil
	}
	return 0, s.readFailure(err, "echo")
}

// readFailure 零字节读取：配置了读超时时视为超时，否则为读错误
func (s *Session) readFailure(err error, what string) error {
	if s.readTimeout > 0 && (err == nil || err == io.EOF) {
		return errors.Newf(errors.ErrSerialTimeout, "%s: no %s within %s", s.name, what, s.readTimeout)
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return errors.Wrapf(err, errors.ErrSerialPortRead, "%s: read %s", s.name, what)
}

// Close 关闭会话，可重复调用
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed = true
		if s.port == nil {
			return
		}
		if err := s.port.Close(); err != nil {
			s.logger.Error("关闭串口失败", zap.Error(err))
			s.closeErr = err
			return
		}
		s.logger.Info("串口已断开", zap.String("port", s.name))
	})
	return s.closeErr
}

// LogObserver 默认观察者，把每条命令写入 serial 模块日志
type LogObserver struct{}

// OnCommand 实现 CommandObserver
func (LogObserver) OnCommand(ev CommandEvent) {
	logger.LogSerialCommand(ev.Command, ev.Prompt, ev.Duration, ev.Err)
}
