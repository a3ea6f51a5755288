package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

// ErrorsTestSuite 错误包测试套件
type ErrorsTestSuite struct {
	suite.Suite
}

// 测试创建新错误
func (suite *ErrorsTestSuite) TestNew() {
	err := New(ErrInvalidParam)
	suite.NotNil(err)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("无效的参数", err.Message)
	suite.Empty(err.Details)

	// 带详情
	err = New(ErrScriptNotFound, "demo.txt")
	suite.Equal("脚本文件不存在", err.Message)
	suite.Equal("demo.txt", err.Details)

	// 多个详情
	err = New(ErrSerialPortOpen, "打开失败", "端口: /dev/ttyUSB0")
	suite.Equal("打开失败; 端口: /dev/ttyUSB0", err.Details)
}

// 测试格式化错误创建
func (suite *ErrorsTestSuite) TestNewf() {
	err := Newf(ErrInvalidParam, "闪烁次数 %d 无效", -1)
	suite.Equal(ErrInvalidParam, err.Code)
	suite.Equal("闪烁次数 -1 无效", err.Details)
}

// 测试错误包装
func (suite *ErrorsTestSuite) TestWrap() {
	originalErr := errors.New("input/output error")
	wrappedErr := Wrap(originalErr, ErrSerialPortWrite)
	suite.Equal(ErrSerialPortWrite, wrappedErr.Code)
	suite.Equal("input/output error", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)

	suite.Nil(Wrap(nil, ErrUnknown))

	// 已有的AppError保留原始错误码
	appErr := New(ErrSerialPortRead, "echo")
	wrappedAppErr := Wrap(appErr, ErrScriptRead, "第3行")
	suite.Equal(ErrSerialPortRead, wrappedAppErr.Code)
	suite.Equal("第3行; echo", wrappedAppErr.Details)
	suite.Equal("echo", appErr.Details, "原错误不应被修改")
	suite.Equal(appErr.Stack, wrappedAppErr.Stack)
}

// 测试包装经过fmt.Errorf的AppError
func (suite *ErrorsTestSuite) TestWrapChainedAppError() {
	inner := New(ErrSerialTimeout, "prompt")
	chained := fmt.Errorf("发送 run: %w", inner)

	wrapped := Wrap(chained, ErrUnknown)
	suite.Equal(ErrSerialTimeout, wrapped.Code)
	suite.Contains(wrapped.Error(), "发送 run")
	suite.True(errors.Is(wrapped, inner))
	suite.Equal("prompt", inner.Details)
	suite.Equal(4, wrapped.ExitCode())
}

// 测试格式化错误包装
func (suite *ErrorsTestSuite) TestWrapf() {
	originalErr := errors.New("no such file or directory")
	wrappedErr := Wrapf(originalErr, ErrScriptNotFound, "脚本 %s", "blink.txt")
	suite.Equal(ErrScriptNotFound, wrappedErr.Code)
	suite.Equal("脚本 blink.txt", wrappedErr.Details)
	suite.Equal(originalErr, wrappedErr.Cause)
}

// 测试错误码判断
func (suite *ErrorsTestSuite) TestIs() {
	err := New(ErrDeviceOffline)
	suite.True(Is(err, ErrDeviceOffline))
	suite.False(Is(err, ErrNotFound))
	suite.False(Is(nil, ErrDeviceOffline))
	suite.False(Is(errors.New("标准错误"), ErrUnknown))

	// 经过fmt.Errorf包装后仍可识别
	chained := fmt.Errorf("发送命令: %w", New(ErrSerialPortWrite))
	suite.True(Is(chained, ErrSerialPortWrite))
}

// 测试获取错误码
func (suite *ErrorsTestSuite) TestGetCode() {
	suite.Equal(ErrSerialTimeout, GetCode(New(ErrSerialTimeout)))
	suite.Equal(ErrUnknown, GetCode(errors.New("标准错误")))
	suite.Equal(ErrorCode(0), GetCode(nil))
}

// 测试错误消息
func (suite *ErrorsTestSuite) TestError() {
	err := &AppError{
		Code:    ErrSerialPortOpen,
		Message: "串口打开失败",
	}
	suite.Equal("[3000] 串口打开失败", err.Error())

	err.Details = "/dev/ttyUSB0"
	suite.Equal("[3000] 串口打开失败: /dev/ttyUSB0", err.Error())
}

// 测试Unwrap
func (suite *ErrorsTestSuite) TestUnwrap() {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, ErrUnknown)
	suite.Equal(originalErr, wrappedErr.Unwrap())
	suite.True(errors.Is(wrappedErr, originalErr))

	suite.Nil(New(ErrUnknown).Unwrap())
}

// 测试WithCause
func (suite *ErrorsTestSuite) TestWithCause() {
	cause := errors.New("permission denied")
	err2 := New(ErrSerialPortOpen).WithCause(cause)
	suite.Equal(cause, err2.Cause)
	suite.Equal("permission denied", err2.Details)

	err3 := New(ErrSerialPortOpen, "打开失败").WithCause(cause)
	suite.Equal("打开失败", err3.Details)
}

// 测试连接错误与读写错误的分类
func (suite *ErrorsTestSuite) TestClassification() {
	suite.True(IsConnectionError(New(ErrSerialPortOpen)))
	suite.True(IsConnectionError(New(ErrSerialFlush)))
	suite.False(IsConnectionError(New(ErrSerialPortWrite)))

	for _, code := range []ErrorCode{ErrSerialPortWrite, ErrSerialPortRead, ErrSerialTimeout} {
		suite.True(IsIOError(New(code)), "错误码 %d 应该是读写错误", code)
	}
	suite.False(IsIOError(New(ErrScriptRead)))
	suite.False(IsIOError(nil))
}

// 测试退出码映射
func (suite *ErrorsTestSuite) TestExitCode() {
	testCases := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrInvalidParam, 2},
		{ErrScriptNotFound, 3},
		{ErrScriptRead, 3},
		{ErrScriptInvalid, 3},
		{ErrFlashVerify, 4},
		{ErrSerialPortOpen, 4},
		{ErrSerialPortRead, 4},
		{ErrConfigLoad, 1},
		{ErrUnknown, 1},
	}

	for _, tc := range testCases {
		suite.Equal(tc.expected, New(tc.code).ExitCode(), "错误码 %d", tc.code)
	}
}

// 测试可重试判断
func (suite *ErrorsTestSuite) TestIsRetryable() {
	for _, code := range []ErrorCode{ErrTimeout, ErrSerialTimeout, ErrDatabaseConnect, ErrDeviceOffline} {
		suite.True(IsRetryable(New(code)), "错误码 %d 应该是可重试的", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrScriptNotFound, ErrSerialPortWrite} {
		suite.False(IsRetryable(New(code)), "错误码 %d 不应该是可重试的", code)
	}
	suite.False(IsRetryable(nil))
}

// 测试严重错误判断
func (suite *ErrorsTestSuite) TestIsCritical() {
	for _, code := range []ErrorCode{ErrSerialPortOpen, ErrSerialFlush, ErrConfigLoad} {
		suite.True(IsCritical(New(code)), "错误码 %d 应该是严重错误", code)
	}
	for _, code := range []ErrorCode{ErrInvalidParam, ErrScriptRead, ErrTimeout} {
		suite.False(IsCritical(New(code)), "错误码 %d 不应该是严重错误", code)
	}
	suite.False(IsCritical(nil))
}

// 测试调用栈捕获
func (suite *ErrorsTestSuite) TestStackCapture() {
	err := New(ErrUnknown)
	suite.NotEmpty(err.Stack)
	suite.NotEmpty(err.GetStack())
}

// 测试未知错误码
func (suite *ErrorsTestSuite) TestUnknownErrorCode() {
	err := New(ErrorCode(99999))
	suite.Equal(ErrorCode(99999), err.Code)
	suite.Equal("未知错误", err.Message)
}

func TestErrorsSuite(t *testing.T) {
	suite.Run(t, new(ErrorsTestSuite))
}
