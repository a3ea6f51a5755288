// Package rl78 实现 RL78 单线 UART 引导程序的烧写协议
//
// 帧格式：
//
//	命令帧 01 len cmd params... sum 03
//	数据帧 02 len data... sum 03|17  (17 表示后面还有数据帧)
//	状态帧 02 len status... sum 03
//
// len 为 0 表示 256 字节，sum 为 len 与数据之和取负的低 8 位。
package rl78

import (
	"io"

	"github.com/wfunc/kurumi/internal/errors"
)

// 闪存参数
const (
	BlockSize = 1024 // 擦除和编程的最小单位
	ChunkSize = 256  // 每个数据帧携带的字节数
	MaxAddr   = 0xffffff
)

// 帧头和帧尾
const (
	frameCommand = 0x01
	frameData    = 0x02
	frameEnd     = 0x03
	frameMore    = 0x17
)

// 各类接收帧的最大长度
const (
	statusFrameMax    = 8
	signatureFrameMax = 32
	checksumFrameMax  = 8
)

// Command 引导程序命令
type Command byte

const (
	CmdReset            Command = 0x00
	CmdVerify           Command = 0x13
	CmdBlockErase       Command = 0x22
	CmdBlockBlankCheck  Command = 0x32
	CmdProgramming      Command = 0x40
	CmdBaudRateSet      Command = 0x9a
	CmdSecuritySet      Command = 0xa0
	CmdSecurityGet      Command = 0xa1
	CmdSecurityRelease  Command = 0xa2
	CmdChecksum         Command = 0xb0
	CmdSiliconSignature Command = 0xc0
)

var commandNames = map[Command]string{
	CmdReset:            "reset",
	CmdVerify:           "verify",
	CmdBlockErase:       "block erase",
	CmdBlockBlankCheck:  "block blank check",
	CmdProgramming:      "programming",
	CmdBaudRateSet:      "baud rate set",
	CmdSecuritySet:      "security set",
	CmdSecurityGet:      "security get",
	CmdSecurityRelease:  "security release",
	CmdChecksum:         "checksum",
	CmdSiliconSignature: "silicon signature",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "unknown"
}

// Status 引导程序状态码
type Status byte

const (
	StatusCommandNumberError Status = 0x04
	StatusParameterError     Status = 0x05
	StatusAck                Status = 0x06
	StatusChecksumError      Status = 0x07
	StatusVerifyError        Status = 0x0f
	StatusProtectError       Status = 0x10
	StatusNak                Status = 0x15
	StatusEraseError         Status = 0x1a
	StatusBlankError         Status = 0x1b // 内部校验失败或块非空
	StatusWriteError         Status = 0x1c
)

var statusText = map[Status]string{
	StatusCommandNumberError: "命令号错误",
	StatusParameterError:     "参数错误",
	StatusAck:                "正常应答",
	StatusChecksumError:      "校验和错误",
	StatusVerifyError:        "校验错误",
	StatusProtectError:       "保护错误",
	StatusNak:                "否定应答",
	StatusEraseError:         "擦除错误",
	StatusBlankError:         "内部校验错误或空白检查错误",
	StatusWriteError:         "写入错误",
}

func (s Status) String() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return "未知状态"
}

// checksum 帧校验和，数据长度 256 时长度字节按 0x100 计
func checksum(data []byte) byte {
	sum := -len(data)
	for _, b := range data {
		sum -= int(b)
	}
	return byte(sum)
}

// encodeFrame 组帧，payload 长度为 1..256
func encodeFrame(head byte, payload []byte, foot byte) []byte {
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, head, byte(len(payload)))
	frame = append(frame, payload...)
	return append(frame, checksum(payload), foot)
}

func commandFrame(cmd Command, params ...byte) []byte {
	return encodeFrame(frameCommand, append([]byte{byte(cmd)}, params...), frameEnd)
}

func statusFrame(st ...Status) []byte {
	payload := make([]byte, len(st))
	for i, s := range st {
		payload[i] = byte(s)
	}
	return encodeFrame(frameData, payload, frameEnd)
}

// addr24 三字节小端地址
func addr24(addr int) []byte {
	return []byte{byte(addr), byte(addr >> 8), byte(addr >> 16)}
}

func decodeAddr24(b []byte) int {
	return int(b[0]) | int(b[1])<<8 | int(b[2])<<16
}

// payloadLen 长度字节为 0 时表示 256
func payloadLen(b byte) int {
	if b == 0 {
		return 0x100
	}
	return int(b)
}

func frameComplete(frame []byte) bool {
	return len(frame) >= 5 && payloadLen(frame[1]) == len(frame)-4
}

// readFrame 逐字节读取一帧并校验
//
// 读不到数据视为超时，超过 max 字节仍不完整或校验和不符视为帧错误。
func readFrame(r io.Reader, max int) ([]byte, error) {
	frame := make([]byte, 0, max)
	var b [1]byte
	for !frameComplete(frame) {
		n, err := r.Read(b[:])
		if n == 0 {
			if err == nil || err == io.EOF {
				return nil, errors.Newf(errors.ErrSerialTimeout, "等待应答帧，已收到 %d 字节", len(frame))
			}
			return nil, errors.Wrap(err, errors.ErrSerialPortRead, "read frame")
		}
		if len(frame) == max {
			return nil, errors.Newf(errors.ErrFlashFrame, "帧长度超过 %d 字节", max)
		}
		frame = append(frame, b[0])
	}

	payload := frame[2 : len(frame)-2]
	if sum := checksum(payload); sum != frame[len(frame)-2] {
		return nil, errors.Newf(errors.ErrFlashFrame, "校验和不符: 期望 0x%02x, 收到 0x%02x", sum, frame[len(frame)-2])
	}
	return frame, nil
}
