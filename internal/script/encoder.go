package script

import (
	"bufio"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/hardware"
	"github.com/wfunc/kurumi/internal/logger"
	"go.uber.org/zap"
)

// 闪烁分组的单位，从大到小贪心分解
const (
	RedUnit   = 25
	GreenUnit = 5
	BlueUnit  = 1
)

// Line 一条带行号的程序行，发送格式为 "<行号> <内容>"
type Line struct {
	Number int
	Body   string
}

// String 返回发送到设备的命令文本
func (l Line) String() string {
	return fmt.Sprintf("%d %s", l.Number, l.Body)
}

// Sender 命令发送方，hardware.Session 实现了该接口
type Sender interface {
	SendCommand(cmd string) error
}

// BlinkPolicy 红色分组的生成策略
type BlinkPolicy int

const (
	// BlinkGreedy 能放下几组 25 就生成几组红色
	BlinkGreedy BlinkPolicy = iota
	// BlinkLegacy 与旧版工具输出一致：红色最多一组，余数按 times mod 25 计算
	BlinkLegacy
)

func (p BlinkPolicy) String() string {
	if p == BlinkLegacy {
		return "legacy"
	}
	return "greedy"
}

// PolicyFor 根据配置开关选择策略
func PolicyFor(legacyRedGroup bool) BlinkPolicy {
	if legacyRedGroup {
		return BlinkLegacy
	}
	return BlinkGreedy
}

// ResetSequence 复位命令：停止脚本，关闭所有颜色，清空程序
func ResetSequence() []string {
	return []string{
		hardware.OpStop.String(),
		hardware.OpRedOff.String(),
		hardware.OpGreenOff.String(),
		hardware.OpBlueOff.String(),
		hardware.OpClear.String(),
	}
}

// BlinkGroups 把闪烁次数分解为颜色分组
func BlinkGroups(times int, policy BlinkPolicy) ([]hardware.Colour, error) {
	if times < 0 {
		return nil, errors.Newf(errors.ErrInvalidParam, "blink count must not be negative: %d", times)
	}

	red := times / RedUnit
	if policy == BlinkLegacy && red > 1 {
		red = 1
	}
	rest := times % RedUnit
	green := rest / GreenUnit
	blue := rest % GreenUnit / BlueUnit

	groups := make([]hardware.Colour, 0, red+green+blue)
	for i := 0; i < red; i++ {
		groups = append(groups, hardware.Red)
	}
	for i := 0; i < green; i++ {
		groups = append(groups, hardware.Green)
	}
	for i := 0; i < blue; i++ {
		groups = append(groups, hardware.Blue)
	}
	return groups, nil
}

// BlinkProgram 生成闪烁程序
//
// 每个分组为 亮、sleep 100、灭、sleep 100 四行，最后追加 sleep 1000。
// 不包含复位命令和 run。
func BlinkProgram(times int, policy BlinkPolicy) ([]Line, error) {
	groups, err := BlinkGroups(times, policy)
	if err != nil {
		return nil, err
	}

	lines := make([]Line, 0, len(groups)*4+1)
	emit := func(op hardware.Opcode) {
		lines = append(lines, Line{Number: len(lines), Body: op.String()})
	}
	for _, c := range groups {
		emit(c.On())
		emit(hardware.OpSleep100)
		emit(c.Off())
		emit(hardware.OpSleep100)
	}
	emit(hardware.OpSleep1000)
	return lines, nil
}

// ReadScript 读取脚本，每行去掉首尾空白，空行保留
func ReadScript(r io.Reader) ([]Line, error) {
	var lines []Line
	err := scanLines(r, func(l Line) error {
		lines = append(lines, l)
		return nil
	})
	return lines, err
}

// scanLines 逐行回调，行号从 0 开始；没有换行结尾的最后一行同样计入
func scanLines(r io.Reader, fn func(Line) error) error {
	rd := bufio.NewReader(r)
	for n := 0; ; n++ {
		text, err := rd.ReadString('\n')
		if err != nil && err != io.EOF {
			return errors.Wrapf(err, errors.ErrScriptRead, "line %d", n)
		}
		if len(text) > 0 {
			if cbErr := fn(Line{Number: n, Body: strings.TrimSpace(text)}); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}

// Option 编码器选项
type Option func(*Encoder)

// WithPolicy 设置闪烁策略
func WithPolicy(p BlinkPolicy) Option {
	return func(e *Encoder) {
		e.policy = p
	}
}

// WithLogger 替换编码器日志器
func WithLogger(l *zap.Logger) Option {
	return func(e *Encoder) {
		if l != nil {
			e.logger = l
		}
	}
}

// Encoder 脚本编码器，把脚本文件或闪烁次数转换成设备命令并发送
type Encoder struct {
	sender Sender
	policy BlinkPolicy
	logger *zap.Logger
	sent   int
}

// NewEncoder 创建编码器
func NewEncoder(sender Sender, opts ...Option) *Encoder {
	e := &Encoder{
		sender: sender,
		policy: BlinkGreedy,
		logger: logger.GetModuleLogger("script"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy 当前闪烁策略
func (e *Encoder) Policy() BlinkPolicy {
	return e.policy
}

// Sent 已发送的命令数
func (e *Encoder) Sent() int {
	return e.sent
}

func (e *Encoder) send(cmd string) error {
	if err := e.sender.SendCommand(cmd); err != nil {
		e.logger.Error("发送命令失败",
			zap.String("command", cmd),
			zap.Int("sent", e.sent),
			zap.Error(err))
		return err
	}
	e.sent++
	return nil
}

// Reset 发送复位命令
func (e *Encoder) Reset() error {
	for _, cmd := range ResetSequence() {
		if err := e.send(cmd); err != nil {
			return err
		}
	}
	return nil
}

// Run 发送 run，开始执行程序
func (e *Encoder) Run() error {
	return e.send(hardware.OpRun.String())
}

// ReplayFile 回放脚本文件
//
// 文件在复位之前打开，打不开时不会发送任何命令。
func (e *Encoder) ReplayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, errors.ErrScriptNotFound, path)
		}
		return errors.Wrap(err, errors.ErrScriptRead, path)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return errors.Newf(errors.ErrScriptRead, "%s: is a directory", path)
	}

	e.logger.Info("回放脚本", zap.String("file", path))
	return e.Replay(f)
}

// Replay 复位设备，边读边发送脚本行，最后发送 run
//
// 复位之后的读错误会中止回放，已发送的命令仍然有效。
func (e *Encoder) Replay(r io.Reader) error {
	start := time.Now()
	if err := e.Reset(); err != nil {
		return err
	}

	lines := 0
	err := scanLines(r, func(l Line) error {
		e.lintLine(l)
		lines++
		return e.send(l.String())
	})
	if err != nil {
		return err
	}

	if err := e.Run(); err != nil {
		return err
	}
	e.logger.Info("脚本发送完成",
		zap.Int("lines", lines),
		zap.Int("commands", e.sent),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Blink 生成并发送闪烁程序
func (e *Encoder) Blink(times int) error {
	lines, err := BlinkProgram(times, e.policy)
	if err != nil {
		return err
	}
	e.logger.Info("生成闪烁程序",
		zap.Int("times", times),
		zap.Stringer("policy", e.policy),
		zap.Int("lines", len(lines)))
	return e.SendProgram(lines)
}

// SendProgram 复位设备，发送程序行，最后发送 run
func (e *Encoder) SendProgram(lines []Line) error {
	start := time.Now()
	if err := e.Reset(); err != nil {
		return err
	}
	for _, l := range lines {
		if err := e.send(l.String()); err != nil {
			return err
		}
	}
	if err := e.Run(); err != nil {
		return err
	}
	e.logger.Info("脚本发送完成",
		zap.Int("lines", len(lines)),
		zap.Int("commands", e.sent),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Lint 返回内容不在设备命令表中的程序行，只告警，不影响发送
func (e *Encoder) Lint(lines []Line) []Line {
	var bad []Line
	for _, l := range lines {
		if e.lintLine(l) {
			bad = append(bad, l)
		}
	}
	return bad
}

func (e *Encoder) lintLine(l Line) bool {
	if hardware.ParseOpcode(l.Body) != hardware.OpNone {
		return false
	}
	e.logger.Warn("无法识别的脚本行",
		zap.Int("line", l.Number),
		zap.String("body", l.Body))
	return true
}

// WriterSender 把命令逐行写入 io.Writer，用于预演
type WriterSender struct {
	w io.Writer
}

// NewWriterSender 创建预演发送方
func NewWriterSender(w io.Writer) *WriterSender {
	return &WriterSender{w: w}
}

// SendCommand 实现 Sender
func (s *WriterSender) SendCommand(cmd string) error {
	_, err := fmt.Fprintln(s.w, cmd)
	return err
}
