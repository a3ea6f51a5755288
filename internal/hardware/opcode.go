package hardware

import (
	"strings"
	"time"
)

// Opcode 设备指令码，取值与板载固件一致
type Opcode uint16

const (
	OpNone      Opcode = 0x00
	OpEvalError Opcode = 0x01

	OpSleep10   Opcode = 0x10
	OpSleep50   Opcode = 0x11
	OpSleep100  Opcode = 0x12
	OpSleep500  Opcode = 0x13
	OpSleep1000 Opcode = 0x14

	OpRedOff    Opcode = 0x20
	OpRedOn     Opcode = 0x21
	OpRedToggle Opcode = 0x22

	OpGreenOff    Opcode = 0x30
	OpGreenOn     Opcode = 0x31
	OpGreenToggle Opcode = 0x32

	OpBlueOff    Opcode = 0x40
	OpBlueOn     Opcode = 0x41
	OpBlueToggle Opcode = 0x42

	OpRun   Opcode = 0x101
	OpStop  Opcode = 0x102
	OpDump  Opcode = 0x103
	OpClear Opcode = 0x104
	OpState Opcode = 0x105
)

var opcodeText = map[Opcode]string{
	OpSleep10:     "sleep 10",
	OpSleep50:     "sleep 50",
	OpSleep100:    "sleep 100",
	OpSleep500:    "sleep 500",
	OpSleep1000:   "sleep 1000",
	OpRedOff:      "red off",
	OpRedOn:       "red on",
	OpRedToggle:   "red toggle",
	OpGreenOff:    "green off",
	OpGreenOn:     "green on",
	OpGreenToggle: "green toggle",
	OpBlueOff:     "blue off",
	OpBlueOn:      "blue on",
	OpBlueToggle:  "blue toggle",
	OpRun:         "run",
	OpStop:        "stop",
	OpDump:        "dump",
	OpClear:       "clear",
	OpState:       "state",
}

var textOpcode = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeText))
	for op, text := range opcodeText {
		m[text] = op
	}
	return m
}()

// String 返回设备能识别的命令文本，未知指令返回空串
func (op Opcode) String() string {
	return opcodeText[op]
}

// ParseOpcode 解析命令文本，多余空白会被压缩，无法识别时返回 OpNone
func ParseOpcode(text string) Opcode {
	return textOpcode[strings.Join(strings.Fields(text), " ")]
}

// Delay 返回 sleep 指令的等待时长（毫秒粒度），其它指令为 0
func (op Opcode) Delay() time.Duration {
	switch op {
	case OpSleep10:
		return 10 * time.Millisecond
	case OpSleep50:
		return 50 * time.Millisecond
	case OpSleep100:
		return 100 * time.Millisecond
	case OpSleep500:
		return 500 * time.Millisecond
	case OpSleep1000:
		return 1000 * time.Millisecond
	default:
		return 0
	}
}

// Colour LED 颜色通道
type Colour int

const (
	Red Colour = iota
	Green
	Blue
)

// Colours 所有颜色通道，按固件中的顺序
var Colours = []Colour{Red, Green, Blue}

func (c Colour) String() string {
	switch c {
	case Red:
		return "red"
	case Green:
		return "green"
	case Blue:
		return "blue"
	default:
		return "unknown"
	}
}

// On 点亮指令
func (c Colour) On() Opcode {
	return c.base() + 1
}

// Off 熄灭指令
func (c Colour) Off() Opcode {
	return c.base()
}

// Toggle 翻转指令
func (c Colour) Toggle() Opcode {
	return c.base() + 2
}

func (c Colour) base() Opcode {
	switch c {
	case Red:
		return OpRedOff
	case Green:
		return OpGreenOff
	default:
		return OpBlueOff
	}
}

// LEDCommand 拆出颜色类指令的通道和动作，非颜色指令返回 ok=false
func (op Opcode) LEDCommand() (c Colour, action Opcode, ok bool) {
	switch op & 0xff0 {
	case OpRedOff:
		c = Red
	case OpGreenOff:
		c = Green
	case OpBlueOff:
		c = Blue
	default:
		return 0, OpNone, false
	}
	if op > op&0xff0+2 {
		return 0, OpNone, false
	}
	return c, op - (op & 0xff0), true
}
