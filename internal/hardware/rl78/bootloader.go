package rl78

import (
	"io"
	"sync"
)

// 模拟芯片参数（R5F100LE，64KB 代码闪存）
const (
	EmulatedCodeFlash = 64 * 1024
	emulatedName      = "R5F100LEA "
	emulatedDataEnd   = 0x0f1fff
)

var emulatedDeviceCode = []byte{0x10, 0x00, 0x06}

// transferState 编程或校验命令之后等待的数据帧
type transferState struct {
	cmd       Command
	cursor    int
	end       int
	writeFail bool
}

// Bootloader 内存中的 RL78 引导程序，实现 io.ReadWriteCloser
//
// 写入的字节按帧解析，应答放入读缓冲；读缓冲为空时 Read 返回 io.EOF，相当于超时。
type Bootloader struct {
	mu       sync.Mutex
	mem      []byte
	in       []byte
	out      []byte
	pending  *transferState
	inject   map[Command]Status
	commands []Command
	closed   bool
}

// NewBootloader 创建闪存全部为 0xff 的模拟引导程序
func NewBootloader() *Bootloader {
	mem := make([]byte, EmulatedCodeFlash)
	for i := range mem {
		mem[i] = 0xff
	}
	return &Bootloader{
		mem:    mem,
		inject: make(map[Command]Status),
	}
}

// Inject 下一次收到 cmd 时返回状态 st
func (b *Bootloader) Inject(cmd Command, st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inject[cmd] = st
}

// Memory 返回从 addr 开始的 n 字节副本
func (b *Bootloader) Memory(addr, n int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, n)
	copy(out, b.mem[addr:])
	return out
}

// Commands 已收到的命令序列
func (b *Bootloader) Commands() []Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Command(nil), b.commands...)
}

// Read 实现 io.Reader
func (b *Bootloader) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.out)
	b.out = b.out[n:]
	return n, nil
}

// Write 实现 io.Writer
func (b *Bootloader) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.in = append(b.in, p...)
	b.parse()
	return len(p), nil
}

// Close 实现 io.Closer
func (b *Bootloader) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *Bootloader) parse() {
	for len(b.in) > 0 {
		// 丢弃帧头之前的杂散字节
		if b.in[0] != frameCommand && b.in[0] != frameData {
			b.in = b.in[1:]
			continue
		}
		if len(b.in) < 2 {
			return
		}
		size := payloadLen(b.in[1]) + 4
		if len(b.in) < size {
			return
		}
		frame := b.in[:size]
		b.in = b.in[size:]

		payload := frame[2 : size-2]
		if checksum(payload) != frame[size-2] {
			b.reply(StatusChecksumError)
			continue
		}
		if frame[0] == frameCommand {
			b.handleCommand(Command(payload[0]), payload[1:])
		} else {
			b.handleData(payload, frame[size-1])
		}
	}
}

func (b *Bootloader) reply(st ...Status) {
	b.out = append(b.out, statusFrame(st...)...)
}

func (b *Bootloader) replyData(data []byte) {
	b.out = append(b.out, encodeFrame(frameData, data, frameEnd)...)
}

// span 解析起止地址参数
func (b *Bootloader) span(params []byte) (start, end int, ok bool) {
	if len(params) < 6 {
		return 0, 0, false
	}
	start, end = decodeAddr24(params[0:3]), decodeAddr24(params[3:6])
	return start, end, start <= end && end < len(b.mem) && start%BlockSize == 0
}

func (b *Bootloader) handleCommand(cmd Command, params []byte) {
	b.commands = append(b.commands, cmd)
	b.pending = nil

	if st, ok := b.inject[cmd]; ok {
		delete(b.inject, cmd)
		b.reply(st)
		return
	}

	switch cmd {
	case CmdBaudRateSet:
		// 32MHz，全速模式
		b.out = append(b.out, encodeFrame(frameData, []byte{byte(StatusAck), 32, 0x00}, frameEnd)...)

	case CmdReset:
		b.reply(StatusAck)

	case CmdSiliconSignature:
		b.reply(StatusAck)
		data := append([]byte{}, emulatedDeviceCode...)
		data = append(data, emulatedName...)
		data = append(data, addr24(len(b.mem)-1)...)
		data = append(data, addr24(emulatedDataEnd)...)
		data = append(data, 0x03, 0x00, 0x00)
		b.replyData(data)

	case CmdBlockBlankCheck:
		start, end, ok := b.span(params)
		if !ok {
			b.reply(StatusParameterError)
			return
		}
		for _, v := range b.mem[start : end+1] {
			if v != 0xff {
				b.reply(StatusBlankError)
				return
			}
		}
		b.reply(StatusAck)

	case CmdBlockErase:
		if len(params) < 3 {
			b.reply(StatusParameterError)
			return
		}
		start := decodeAddr24(params)
		if start%BlockSize != 0 || start+BlockSize > len(b.mem) {
			b.reply(StatusParameterError)
			return
		}
		for i := start; i < start+BlockSize; i++ {
			b.mem[i] = 0xff
		}
		b.reply(StatusAck)

	case CmdProgramming, CmdVerify:
		start, end, ok := b.span(params)
		if !ok {
			b.reply(StatusParameterError)
			return
		}
		b.pending = &transferState{cmd: cmd, cursor: start, end: end}
		b.reply(StatusAck)

	case CmdChecksum:
		start, end, ok := b.span(params)
		if !ok {
			b.reply(StatusParameterError)
			return
		}
		var sum uint16
		for _, v := range b.mem[start : end+1] {
			sum -= uint16(v)
		}
		b.reply(StatusAck)
		b.replyData([]byte{byte(sum), byte(sum >> 8)})

	default:
		b.reply(StatusCommandNumberError)
	}
}

func (b *Bootloader) handleData(data []byte, foot byte) {
	t := b.pending
	if t == nil || t.cursor+len(data)-1 > t.end {
		b.pending = nil
		b.reply(StatusParameterError)
		return
	}

	second := StatusAck
	for i, v := range data {
		addr := t.cursor + i
		if t.cmd == CmdProgramming {
			// 闪存只能把 1 写成 0
			b.mem[addr] &= v
			if b.mem[addr] != v {
				t.writeFail = true
			}
		} else if b.mem[addr] != v {
			second = StatusVerifyError
		}
	}
	t.cursor += len(data)
	b.reply(StatusAck, second)

	if foot == frameEnd {
		b.pending = nil
		if t.cmd == CmdProgramming {
			if t.writeFail {
				b.reply(StatusWriteError)
			} else {
				b.reply(StatusAck)
			}
		}
	}
}
