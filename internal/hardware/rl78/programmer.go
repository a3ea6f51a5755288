package rl78

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/wfunc/kurumi/internal/errors"
	"github.com/wfunc/kurumi/internal/logger"
	"go.uber.org/zap"
)

// BaudInfo 波特率设置命令返回的工作参数
type BaudInfo struct {
	FrequencyMHz int
	WideVoltage  bool
}

// Mode 编程模式名称
func (b *BaudInfo) Mode() string {
	if b.WideVoltage {
		return "Wide-voltage"
	}
	return "Full-speed"
}

// Signature 芯片签名
type Signature struct {
	DeviceCode   [3]byte
	Name         string
	CodeFlashEnd int
	DataFlashEnd int
	Firmware     [3]byte
}

// FirmwareVersion 引导固件版本，形如 3.00
func (s *Signature) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d%d", s.Firmware[0], s.Firmware[1], s.Firmware[2])
}

// FlashOptions 烧写参数
type FlashOptions struct {
	Offset     int       // 起始块号
	VerifyOnly bool      // 只校验，不擦除和编程
	Report     io.Writer // 非空时输出进度文本
}

// Result 烧写结果
type Result struct {
	Baud      *BaudInfo
	Signature *Signature
	Blocks    int
	Local     uint16 // 镜像按块补齐 0xff 后的校验和
	Remote    uint16 // 芯片计算的同一范围校验和
}

// Programmer 引导程序客户端
//
// 每条命令同步等待应答，不是并发安全的。
type Programmer struct {
	port   io.ReadWriter
	name   string
	logger *zap.Logger
}

// Option 客户端选项
type Option func(*Programmer)

// WithName 设置端口名称（日志字段）
func WithName(name string) Option {
	return func(p *Programmer) {
		p.name = name
	}
}

// WithLogger 替换日志器
func WithLogger(l *zap.Logger) Option {
	return func(p *Programmer) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProgrammer 基于已进入引导模式的端口创建客户端
func NewProgrammer(port io.ReadWriter, opts ...Option) *Programmer {
	p := &Programmer{
		port:   port,
		logger: logger.GetModuleLogger("rl78"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Programmer) send(frame []byte) error {
	p.logger.Debug(">>>", zap.String("port", p.name), zap.String("frame", hex.EncodeToString(frame)))
	if _, err := p.port.Write(frame); err != nil {
		return errors.Wrap(err, errors.ErrSerialPortWrite, p.name)
	}
	return nil
}

func (p *Programmer) recv(max int) ([]byte, error) {
	frame, err := readFrame(p.port, max)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("<<<", zap.String("port", p.name), zap.String("frame", hex.EncodeToString(frame)))
	return frame, nil
}

// expectAck 读取状态帧，首个状态不是 ACK 时返回错误
func (p *Programmer) expectAck(cmd Command) ([]byte, error) {
	frame, err := p.recv(statusFrameMax)
	if err != nil {
		return nil, err
	}
	if st := Status(frame[2]); st != StatusAck {
		return nil, statusError(cmd, st)
	}
	return frame, nil
}

func statusError(cmd Command, st Status) error {
	return errors.Newf(errors.ErrFlashStatus, "%s: %s (0x%02x)", cmd, st, byte(st))
}

func (p *Programmer) command(cmd Command, params ...byte) ([]byte, error) {
	if err := p.send(commandFrame(cmd, params...)); err != nil {
		return nil, err
	}
	return p.expectAck(cmd)
}

// blockRange 起止地址参数
func blockRange(block, count int) []byte {
	start := block * BlockSize
	end := (block+count)*BlockSize - 1
	return append(addr24(start), addr24(end)...)
}

// BaudRateSet 设置 115200 波特率和 3.3V 工作电压
func (p *Programmer) BaudRateSet() (*BaudInfo, error) {
	frame, err := p.command(CmdBaudRateSet, 0x00, 0x21)
	if err != nil {
		return nil, err
	}
	if len(frame) < 7 {
		return nil, errors.Newf(errors.ErrFlashFrame, "baud rate set: 状态帧过短 (%d 字节)", len(frame))
	}
	return &BaudInfo{FrequencyMHz: int(frame[3]), WideVoltage: frame[4] != 0}, nil
}

// Reset 复位引导程序的命令状态
func (p *Programmer) Reset() error {
	_, err := p.command(CmdReset)
	return err
}

// SiliconSignature 读取芯片签名
func (p *Programmer) SiliconSignature() (*Signature, error) {
	if _, err := p.command(CmdSiliconSignature); err != nil {
		return nil, err
	}
	frame, err := p.recv(signatureFrameMax)
	if err != nil {
		return nil, err
	}
	if len(frame) < 26 {
		return nil, errors.Newf(errors.ErrFlashFrame, "silicon signature: 数据帧过短 (%d 字节)", len(frame))
	}

	sig := &Signature{
		Name:         strings.TrimRight(string(frame[5:15]), " \x00"),
		CodeFlashEnd: decodeAddr24(frame[15:18]),
		DataFlashEnd: decodeAddr24(frame[18:21]),
	}
	copy(sig.DeviceCode[:], frame[2:5])
	copy(sig.Firmware[:], frame[21:24])
	return sig, nil
}

// BlankCheck 检查 count 个块是否为空
func (p *Programmer) BlankCheck(block, count int) (bool, error) {
	params := append(blockRange(block, count), 0x00)
	if err := p.send(commandFrame(CmdBlockBlankCheck, params...)); err != nil {
		return false, err
	}
	frame, err := p.recv(statusFrameMax)
	if err != nil {
		return false, err
	}

	switch st := Status(frame[2]); st {
	case StatusAck:
		return true, nil
	case StatusBlankError:
		return false, nil
	default:
		return false, statusError(CmdBlockBlankCheck, st)
	}
}

// Erase 擦除一个块
func (p *Programmer) Erase(block int) error {
	_, err := p.command(CmdBlockErase, addr24(block*BlockSize)...)
	return err
}

// Program 从 block 开始写入 data，长度必须是 BlockSize 的整数倍
func (p *Programmer) Program(block int, data []byte) error {
	if err := p.transfer(CmdProgramming, block, data); err != nil {
		return err
	}
	// 最后一帧之后芯片完成内部校验，再返回一次状态
	_, err := p.expectAck(CmdProgramming)
	return err
}

// Verify 将 data 与芯片中从 block 开始的内容比较
func (p *Programmer) Verify(block int, data []byte) error {
	return p.transfer(CmdVerify, block, data)
}

// transfer 发送命令后按 256 字节分帧发送数据，每帧一个状态
func (p *Programmer) transfer(cmd Command, block int, data []byte) error {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return errors.Newf(errors.ErrInvalidParam, "%s: 数据长度 %d 不是 %d 的整数倍", cmd, len(data), BlockSize)
	}
	if _, err := p.command(cmd, blockRange(block, len(data)/BlockSize)...); err != nil {
		return err
	}

	for off := 0; off < len(data); off += ChunkSize {
		foot := byte(frameMore)
		if off+ChunkSize >= len(data) {
			foot = frameEnd
		}
		if err := p.send(encodeFrame(frameData, data[off:off+ChunkSize], foot)); err != nil {
			return err
		}

		frame, err := p.expectAck(cmd)
		if err != nil {
			return err
		}
		if cmd == CmdVerify && (len(frame) < 6 || Status(frame[3]) != StatusAck) {
			st := StatusVerifyError
			if len(frame) >= 6 {
				st = Status(frame[3])
			}
			return errors.Newf(errors.ErrFlashVerify, "block %d offset 0x%03x: %s (0x%02x)",
				block+off/BlockSize, off%BlockSize, st, byte(st))
		}
	}
	return nil
}

// Checksum 读取芯片计算的 count 个块的校验和
func (p *Programmer) Checksum(block, count int) (uint16, error) {
	if _, err := p.command(CmdChecksum, blockRange(block, count)...); err != nil {
		return 0, err
	}
	frame, err := p.recv(checksumFrameMax)
	if err != nil {
		return 0, err
	}
	if len(frame) < 6 {
		return 0, errors.Newf(errors.ErrFlashFrame, "checksum: 数据帧过短 (%d 字节)", len(frame))
	}
	return uint16(frame[2]) | uint16(frame[3])<<8, nil
}

// Flash 把镜像写入从 opts.Offset 开始的块并校验
//
// 每块先做空白检查，非空时擦除，编程后逐块校验；VerifyOnly 时只校验。
// 最后比较芯片和本地的校验和，不一致返回 ErrFlashVerify，结果仍然返回。
func (p *Programmer) Flash(image io.Reader, opts FlashOptions) (*Result, error) {
	data, err := io.ReadAll(image)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrScriptRead, "read image")
	}
	if len(data) == 0 {
		return nil, errors.New(errors.ErrInvalidParam, "镜像为空")
	}
	if opts.Offset < 0 {
		return nil, errors.Newf(errors.ErrInvalidParam, "起始块号不能为负数: %d", opts.Offset)
	}
	blocks := (len(data) + BlockSize - 1) / BlockSize
	last := (opts.Offset+blocks)*BlockSize - 1
	if last > MaxAddr {
		return nil, errors.Newf(errors.ErrInvalidParam, "镜像结束地址 0x%x 超出寻址范围", last)
	}

	report := func(format string, args ...interface{}) {
		if opts.Report != nil {
			fmt.Fprintf(opts.Report, format+"\n", args...)
		}
	}
	start := time.Now()
	res := &Result{}

	if res.Baud, err = p.BaudRateSet(); err != nil {
		return nil, err
	}
	report("Frequency: %d MHz", res.Baud.FrequencyMHz)
	report("Programming mode: %s", res.Baud.Mode())

	if err := p.Reset(); err != nil {
		return nil, err
	}

	sig, err := p.SiliconSignature()
	if err != nil {
		return nil, err
	}
	res.Signature = sig
	report("Device code: 0x%02x 0x%02x 0x%02x", sig.DeviceCode[0], sig.DeviceCode[1], sig.DeviceCode[2])
	report("Device name: %s", sig.Name)
	report("Code flash ROM last address: 0x%06x", sig.CodeFlashEnd)
	report("Data flash ROM last address: 0x%06x", sig.DataFlashEnd)
	report("Firmware version: %s", sig.FirmwareVersion())

	if sig.CodeFlashEnd > 0 && last > sig.CodeFlashEnd {
		return nil, errors.Newf(errors.ErrInvalidParam, "镜像结束地址 0x%06x 超出代码闪存 0x%06x", last, sig.CodeFlashEnd)
	}

	p.logger.Info("开始烧写",
		zap.String("port", p.name),
		zap.String("device", sig.Name),
		zap.Int("offset", opts.Offset),
		zap.Int("blocks", blocks),
		zap.Bool("verify_only", opts.VerifyOnly))

	var local uint16
	buf := make([]byte, BlockSize)
	for i := 0; i < blocks; i++ {
		block := opts.Offset + i
		action := "Programming"
		if opts.VerifyOnly {
			action = "Verifying"
		}
		report("%s Block #%d (0x%06x -> 0x%06x)", action, block, block*BlockSize, (block+1)*BlockSize-1)

		// 最后一块不足时补 0xff
		n := copy(buf, data[i*BlockSize:])
		for j := n; j < BlockSize; j++ {
			buf[j] = 0xff
		}
		for _, b := range buf {
			local -= uint16(b)
		}

		if !opts.VerifyOnly {
			if err := p.programBlock(block, buf); err != nil {
				return nil, err
			}
		}
		if err := p.Verify(block, buf); err != nil {
			return nil, err
		}
		res.Blocks++
	}

	res.Local = local
	if res.Remote, err = p.Checksum(opts.Offset, blocks); err != nil {
		return nil, err
	}
	report("Checksum Local : 0x%04x", res.Local)
	report("Checksum Remote: 0x%04x", res.Remote)

	if res.Local != res.Remote {
		p.logger.Error("校验和不一致",
			zap.Uint16("local", res.Local),
			zap.Uint16("remote", res.Remote))
		return res, errors.Newf(errors.ErrFlashVerify, "校验和不一致: local 0x%04x, remote 0x%04x", res.Local, res.Remote)
	}

	p.logger.Info("烧写完成",
		zap.String("port", p.name),
		zap.Int("blocks", res.Blocks),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// programBlock 非空块先擦除再编程
func (p *Programmer) programBlock(block int, data []byte) error {
	blank, err := p.BlankCheck(block, 1)
	if err != nil {
		return err
	}
	if !blank {
		p.logger.Debug("擦除块", zap.Int("block", block))
		if err := p.Erase(block); err != nil {
			return err
		}
	}
	return p.Program(block, data)
}
