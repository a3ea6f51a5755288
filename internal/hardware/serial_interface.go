package hardware

import (
	"io"

	"github.com/tarm/serial"
)

// SerialPort 会话使用的端口接口
//
// 真实串口 (*serial.Port)、内置模拟设备 (*Emulator) 和测试替身都实现它。
// Flush 丢弃端口两个方向上尚未处理的数据。
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

var (
	_ SerialPort = (*serial.Port)(nil)
	_ SerialPort = (*Emulator)(nil)
)
