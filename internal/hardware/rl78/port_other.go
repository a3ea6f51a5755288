//go:build !linux

package rl78

import (
	"io"
	"runtime"
	"time"

	"github.com/wfunc/kurumi/internal/errors"
)

// OpenPort 引导模式需要直接控制 DTR 和 break，目前只支持 Linux
func OpenPort(name string, timeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, errors.Newf(errors.ErrNotImplemented, "%s: 引导模式串口不支持 %s", name, runtime.GOOS)
}
