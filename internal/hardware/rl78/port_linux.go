//go:build linux

package rl78

import (
	"io"
	"time"

	"github.com/wfunc/kurumi/internal/errors"
	"golang.org/x/sys/unix"
)

// ttyPort 引导模式下的原始串口，115200 8N2
type ttyPort struct {
	fd   int
	name string
}

// OpenPort 打开串口并让芯片进入引导模式
//
// DTR 接芯片复位脚，TX 接 TOOL0：复位期间保持 break 让 TOOL0 为低电平，
// 释放复位后写入 0x00 选择单线 UART 模式。timeout 为单次读取的等待时间，精度 0.1 秒。
func OpenPort(name string, timeout time.Duration) (io.ReadWriteCloser, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.New(errors.ErrSerialPortOpen, name).WithCause(err)
	}

	p := &ttyPort{fd: fd, name: name}
	if err := p.configure(timeout); err != nil {
		_ = unix.Close(fd)
		return nil, errors.New(errors.ErrSerialPortOpen, name+": 设置线路参数").WithCause(err)
	}
	if err := p.enterBootMode(); err != nil {
		_ = unix.Close(fd)
		return nil, errors.New(errors.ErrSerialPortOpen, name+": 进入引导模式").WithCause(err)
	}
	return p, nil
}

func (p *ttyPort) configure(timeout time.Duration) error {
	t := &unix.Termios{
		Cflag:  unix.B115200 | unix.CS8 | unix.CSTOPB | unix.CREAD | unix.CLOCAL,
		Iflag:  unix.IGNPAR,
		Ispeed: unix.B115200,
		Ospeed: unix.B115200,
	}
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = deciseconds(timeout)
	if err := unix.IoctlSetTermios(p.fd, unix.TCSETS, t); err != nil {
		return err
	}
	return unix.SetNonblock(p.fd, false)
}

// deciseconds VTIME 取值 1..255
func deciseconds(d time.Duration) uint8 {
	ds := d / (100 * time.Millisecond)
	switch {
	case ds < 1:
		return 1
	case ds > 255:
		return 255
	default:
		return uint8(ds)
	}
}

func (p *ttyPort) enterBootMode() error {
	if err := p.setDTR(true); err != nil {
		return err
	}
	if err := p.setBreak(true); err != nil {
		return err
	}
	p.flush()

	if err := p.setDTR(false); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	if err := p.setBreak(false); err != nil {
		return err
	}
	p.flush()
	time.Sleep(time.Millisecond)

	if _, err := p.Write([]byte{0x00}); err != nil {
		return err
	}
	time.Sleep(time.Millisecond)
	p.flush()
	return nil
}

func (p *ttyPort) setDTR(on bool) error {
	bits, err := unix.IoctlGetInt(p.fd, unix.TIOCMGET)
	if err != nil {
		return err
	}
	if on {
		bits |= unix.TIOCM_DTR
	} else {
		bits &^= unix.TIOCM_DTR
	}
	return unix.IoctlSetPointerInt(p.fd, unix.TIOCMSET, bits)
}

func (p *ttyPort) setBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	return unix.IoctlSetInt(p.fd, req, 0)
}

// flush 丢弃收发缓冲，失败不影响后续步骤
func (p *ttyPort) flush() {
	_ = unix.IoctlSetInt(p.fd, unix.TCFLSH, unix.TCIOFLUSH)
}

// Read 实现 io.Reader，等待 VTIME 仍无数据时返回 io.EOF
func (p *ttyPort) Read(b []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write 实现 io.Writer
func (p *ttyPort) Write(b []byte) (int, error) {
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// Close 脉冲 DTR 让芯片以用户程序重新启动，然后关闭设备
func (p *ttyPort) Close() error {
	_ = p.setDTR(true)
	time.Sleep(time.Millisecond)
	_ = p.setDTR(false)
	return unix.Close(p.fd)
}
