package rl78

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/wfunc/kurumi/internal/errors"
	"go.uber.org/zap"
)

// pattern 生成测试镜像，seed 区分不同内容
func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)%0xfe + seed
	}
	return data
}

// ProgrammerTestSuite 烧写流程测试套件
type ProgrammerTestSuite struct {
	suite.Suite
	boot *Bootloader
	prog *Programmer
}

func (suite *ProgrammerTestSuite) SetupTest() {
	suite.boot = NewBootloader()
	suite.prog = NewProgrammer(suite.boot, WithName("bootloader"), WithLogger(zap.NewNop()))
}

func (suite *ProgrammerTestSuite) TestSignature() {
	baud, err := suite.prog.BaudRateSet()
	suite.Require().NoError(err)
	suite.Equal(32, baud.FrequencyMHz)
	suite.Equal("Full-speed", baud.Mode())

	sig, err := suite.prog.SiliconSignature()
	suite.Require().NoError(err)
	suite.Equal("R5F100LEA", sig.Name)
	suite.Equal([3]byte{0x10, 0x00, 0x06}, sig.DeviceCode)
	suite.Equal(EmulatedCodeFlash-1, sig.CodeFlashEnd)
	suite.Equal(0x0f1fff, sig.DataFlashEnd)
	suite.Equal("3.00", sig.FirmwareVersion())
}

func (suite *ProgrammerTestSuite) TestFlashPadsLastBlock() {
	image := pattern(2*BlockSize+300, 0)
	var report bytes.Buffer

	res, err := suite.prog.Flash(bytes.NewReader(image), FlashOptions{Report: &report})
	suite.Require().NoError(err)
	suite.Equal(3, res.Blocks)
	suite.Equal(res.Local, res.Remote)

	suite.Equal(image, suite.boot.Memory(0, len(image)))
	suite.Equal(bytes.Repeat([]byte{0xff}, BlockSize-300), suite.boot.Memory(len(image), BlockSize-300))

	out := report.String()
	suite.Contains(out, "Device name: R5F100LEA\n")
	suite.Contains(out, "Programming Block #0 (0x000000 -> 0x0003ff)\n")
	suite.Contains(out, "Programming Block #2 (0x000800 -> 0x000bff)\n")
	suite.Contains(out, "Checksum Remote: ")
	suite.NotContains(out, "Block #3")
}

func (suite *ProgrammerTestSuite) TestFlashSequence() {
	_, err := suite.prog.Flash(bytes.NewReader(pattern(BlockSize, 1)), FlashOptions{})
	suite.Require().NoError(err)

	// 空块不擦除
	suite.Equal([]Command{
		CmdBaudRateSet, CmdReset, CmdSiliconSignature,
		CmdBlockBlankCheck, CmdProgramming, CmdVerify,
		CmdChecksum,
	}, suite.boot.Commands())
}

func (suite *ProgrammerTestSuite) TestReflashErasesOccupiedBlock() {
	_, err := suite.prog.Flash(bytes.NewReader(pattern(BlockSize, 1)), FlashOptions{Offset: 4})
	suite.Require().NoError(err)

	second := pattern(BlockSize, 7)
	var report bytes.Buffer
	_, err = suite.prog.Flash(bytes.NewReader(second), FlashOptions{Offset: 4, Report: &report})
	suite.Require().NoError(err)

	suite.Contains(suite.boot.Commands(), CmdBlockErase)
	suite.Equal(second, suite.boot.Memory(4*BlockSize, BlockSize))
	suite.Contains(report.String(), "Programming Block #4 (0x001000 -> 0x0013ff)")
}

func (suite *ProgrammerTestSuite) TestVerifyOnly() {
	image := pattern(BlockSize+10, 3)
	_, err := suite.prog.Flash(bytes.NewReader(image), FlashOptions{})
	suite.Require().NoError(err)

	var report bytes.Buffer
	res, err := suite.prog.Flash(bytes.NewReader(image), FlashOptions{VerifyOnly: true, Report: &report})
	suite.Require().NoError(err)
	suite.Equal(2, res.Blocks)
	suite.Contains(report.String(), "Verifying Block #1 (0x000400 -> 0x0007ff)")

	commands := suite.boot.Commands()
	last := commands[len(commands)-6:]
	suite.NotContains(last, CmdProgramming)
	suite.NotContains(last, CmdBlockBlankCheck)
}

func (suite *ProgrammerTestSuite) TestVerifyOnlyBlankChip() {
	_, err := suite.prog.Flash(bytes.NewReader(pattern(BlockSize, 0)), FlashOptions{VerifyOnly: true})
	suite.Require().Error(err)
	suite.True(errors.Is(err, errors.ErrFlashVerify))
	suite.Contains(err.Error(), "block 0")
}

func (suite *ProgrammerTestSuite) TestStatusError() {
	suite.boot.Inject(CmdBlockBlankCheck, StatusProtectError)

	_, err := suite.prog.Flash(bytes.NewReader(pattern(BlockSize, 0)), FlashOptions{})
	suite.Require().Error(err)
	suite.True(errors.Is(err, errors.ErrFlashStatus))
	suite.Contains(err.Error(), "block blank check: 保护错误 (0x10)")
}

func (suite *ProgrammerTestSuite) TestWriteWithoutErase() {
	suite.Require().NoError(suite.prog.Program(0, pattern(BlockSize, 1)))

	err := suite.prog.Program(0, bytes.Repeat([]byte{0xff}, BlockSize))
	suite.Require().Error(err)
	suite.True(errors.Is(err, errors.ErrFlashStatus))
	suite.Contains(err.Error(), "写入错误")
}

func (suite *ProgrammerTestSuite) TestChecksumMismatch() {
	tamper := &tamperPort{Bootloader: suite.boot}
	prog := NewProgrammer(tamper, WithLogger(zap.NewNop()))

	res, err := prog.Flash(bytes.NewReader(pattern(BlockSize, 2)), FlashOptions{})
	suite.Require().Error(err)
	suite.True(errors.Is(err, errors.ErrFlashVerify))
	suite.Require().NotNil(res)
	suite.NotEqual(res.Local, res.Remote)
}

func (suite *ProgrammerTestSuite) TestInvalidImage() {
	_, err := suite.prog.Flash(strings.NewReader(""), FlashOptions{})
	suite.True(errors.Is(err, errors.ErrInvalidParam))

	_, err = suite.prog.Flash(bytes.NewReader(pattern(BlockSize, 0)), FlashOptions{Offset: -1})
	suite.True(errors.Is(err, errors.ErrInvalidParam))

	// 超出模拟芯片的 64KB 代码闪存
	_, err = suite.prog.Flash(bytes.NewReader(pattern(2*BlockSize, 0)), FlashOptions{Offset: 63})
	suite.True(errors.Is(err, errors.ErrInvalidParam))
	suite.NotContains(suite.boot.Commands(), CmdProgramming)
}

func (suite *ProgrammerTestSuite) TestTransferLength() {
	err := suite.prog.Verify(0, make([]byte, 100))
	suite.True(errors.Is(err, errors.ErrInvalidParam))
	suite.Empty(suite.boot.Commands())
}

func (suite *ProgrammerTestSuite) TestNoReply() {
	require.NoError(suite.T(), suite.boot.Close())
	_, err := suite.prog.BaudRateSet()
	suite.True(errors.Is(err, errors.ErrSerialPortWrite))
}

func TestProgrammerSuite(t *testing.T) {
	suite.Run(t, new(ProgrammerTestSuite))
}

// tamperPort 校验和命令到达前改写一个字节
type tamperPort struct {
	*Bootloader
}

func (p *tamperPort) Write(b []byte) (int, error) {
	if len(b) > 2 && b[0] == frameCommand && Command(b[2]) == CmdChecksum {
		p.mu.Lock()
		p.mem[0] ^= 0x01
		p.mu.Unlock()
	}
	return p.Bootloader.Write(b)
}

func TestBootloaderRejectsBadChecksum(t *testing.T) {
	boot := NewBootloader()
	frame := commandFrame(CmdReset)
	frame[3] ^= 0xff
	_, err := boot.Write(frame)
	require.NoError(t, err)

	reply, err := readFrame(boot, statusFrameMax)
	require.NoError(t, err)
	assert.Equal(t, byte(StatusChecksumError), reply[2])

	_, err = boot.Write(commandFrame(Command(0x55)))
	require.NoError(t, err)
	reply, err = readFrame(boot, statusFrameMax)
	require.NoError(t, err)
	assert.Equal(t, byte(StatusCommandNumberError), reply[2])
}
