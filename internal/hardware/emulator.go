package hardware

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/acomagu/bufpipe"
	"github.com/wfunc/kurumi/internal/logger"
	"go.uber.org/zap"
)

// ProgramSlots 设备程序存储的行数
const ProgramSlots = 64

// EmulatorPrompt 模拟设备在每条命令后回复的提示符，长度正好为 PromptSize
//
// 有回复内容的命令（state、dump、error）输出超过 PromptSize，多出的字节留在串口缓冲区，
// 与真实设备一致。
const EmulatorPrompt = "\r\nkurumi> "

// Emulator 内存中的模拟设备，实现 SerialPort
//
// 行为与固件 shell 一致：回显除 CR/LF 外的每个字节，收到 CR 后执行整行并回复提示符。
// 以行号开头的命令写入程序存储，其它命令立即执行。
type Emulator struct {
	// 主机侧
	hostIn  *bufpipe.PipeReader
	hostOut *bufpipe.PipeWriter

	// 设备侧
	devIn  *bufpipe.PipeReader
	devOut *bufpipe.PipeWriter

	mu       sync.Mutex
	program  map[int]Opcode
	source   map[int]string
	leds     map[Colour]bool
	running  bool
	received []string
	flushes  int
	closed   bool

	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

// NewEmulator 创建并启动模拟设备
func NewEmulator() *Emulator {
	e := &Emulator{
		program: make(map[int]Opcode),
		source:  make(map[int]string),
		leds:    make(map[Colour]bool),
		done:    make(chan struct{}),
		logger:  logger.GetModuleLogger("emulator"),
	}
	e.devIn, e.hostOut = bufpipe.New(nil)
	e.hostIn, e.devOut = bufpipe.New(nil)

	go e.loop()
	return e
}

// Read 读取设备输出
func (e *Emulator) Read(p []byte) (int, error) {
	if e.isClosed() {
		return 0, io.ErrClosedPipe
	}
	return e.hostIn.Read(p)
}

// Write 向设备写入
func (e *Emulator) Write(p []byte) (int, error) {
	if e.isClosed() {
		return 0, io.ErrClosedPipe
	}
	return e.hostOut.Write(p)
}

func (e *Emulator) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Flush 模拟设备不会主动输出，没有需要丢弃的数据
func (e *Emulator) Flush() error {
	e.mu.Lock()
	e.flushes++
	e.mu.Unlock()
	return nil
}

// Close 关闭管道并等待设备循环退出
func (e *Emulator) Close() error {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		closePipe(e.hostOut)
		<-e.done
		_ = e.hostIn.Close()
	})
	return nil
}

// closePipe 关闭写端并唤醒阻塞在读端的一方
//
// bufpipe 的 Close 只设置 EOF 标记，不会通知等待中的读方，需要再写一次空数据。
func closePipe(w *bufpipe.PipeWriter) {
	_ = w.Close()
	_, _ = w.Write(nil)
}

func (e *Emulator) loop() {
	defer close(e.done)
	defer closePipe(e.devOut)

	r := bufio.NewReader(e.devIn)
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case '\n':
		case '\r':
			reply := e.execute(string(line)) + EmulatorPrompt
			line = line[:0]
			if _, err := e.devOut.Write([]byte(reply)); err != nil {
				return
			}
		default:
			line = append(line, b)
			if _, err := e.devOut.Write([]byte{b}); err != nil {
				return
			}
		}
	}
}

// execute 执行一行命令，返回提示符之前的回复内容
func (e *Emulator) execute(line string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.received = append(e.received, line)
	text := strings.TrimSpace(line)
	if text == "" {
		return ""
	}

	head, rest, _ := strings.Cut(text, " ")
	if n, err := strconv.Atoi(head); err == nil {
		return e.store(n, rest)
	}

	op := ParseOpcode(text)
	switch {
	case op == OpNone:
		e.logger.Debug("无法识别的命令", zap.String("line", text))
		return "error"
	case op == OpRun:
		e.running = true
	case op == OpStop:
		e.running = false
	case op == OpClear:
		e.program = make(map[int]Opcode)
		e.source = make(map[int]string)
	case op == OpState:
		if e.running {
			return "running"
		}
		return "stopped"
	case op == OpDump:
		return e.dumpLocked()
	default:
		if c, action, ok := op.LEDCommand(); ok {
			e.applyLED(c, action)
		}
	}
	return ""
}

func (e *Emulator) store(n int, body string) string {
	if n < 0 || n >= ProgramSlots {
		e.logger.Debug("程序行号越界", zap.Int("line", n))
		return "error"
	}
	op := ParseOpcode(body)
	if op == OpNone {
		op = OpEvalError
	}
	e.program[n] = op
	e.source[n] = body
	return ""
}

func (e *Emulator) applyLED(c Colour, action Opcode) {
	switch action {
	case OpRedOn - OpRedOff:
		e.leds[c] = true
	case OpRedToggle - OpRedOff:
		e.leds[c] = !e.leds[c]
	default:
		e.leds[c] = false
	}
}

func (e *Emulator) dumpLocked() string {
	var sb strings.Builder
	for _, n := range e.slotsLocked() {
		fmt.Fprintf(&sb, "%d %s\r\n", n, e.source[n])
	}
	return strings.TrimSuffix(sb.String(), "\r\n")
}

func (e *Emulator) slotsLocked() []int {
	slots := make([]int, 0, len(e.program))
	for n := range e.program {
		slots = append(slots, n)
	}
	sort.Ints(slots)
	return slots
}

// Program 返回程序存储中的原始命令文本，键为行号
func (e *Emulator) Program() map[int]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]string, len(e.source))
	for n, body := range e.source {
		out[n] = body
	}
	return out
}

// Received 按接收顺序返回所有完整命令行
func (e *Emulator) Received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.received...)
}

// LEDs 当前各颜色通道的亮灭状态
func (e *Emulator) LEDs() map[Colour]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[Colour]bool, len(Colours))
	for _, c := range Colours {
		out[c] = e.leds[c]
	}
	return out
}

// Running 程序是否处于运行状态
func (e *Emulator) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Flushes Flush 被调用的次数
func (e *Emulator) Flushes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flushes
}

// Trace 程序单次执行的统计
type Trace struct {
	Pulses   map[Colour]int // 每个通道由灭到亮的次数
	Duration time.Duration  // sleep 指令累计时长
	Errors   []int          // 无法识别的程序行
}

// Trace 按行号顺序走一遍程序存储，不实际等待
func (e *Emulator) Trace() Trace {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := Trace{Pulses: make(map[Colour]int)}
	lit := make(map[Colour]bool)
	for _, n := range e.slotsLocked() {
		op := e.program[n]
		if op == OpEvalError {
			t.Errors = append(t.Errors, n)
			continue
		}
		t.Duration += op.Delay()

		c, action, ok := op.LEDCommand()
		if !ok {
			continue
		}
		was := lit[c]
		switch action {
		case OpRedOn - OpRedOff:
			lit[c] = true
		case OpRedToggle - OpRedOff:
			lit[c] = !was
		default:
			lit[c] = false
		}
		if !was && lit[c] {
			t.Pulses[c]++
		}
	}
	return t
}
