// Package iopump 实现 "操作尚未完成" 的统一重试循环。
//
// 协议引擎内部是非阻塞的: 一次调用可能只推进了一半就返回 NotReady,
// 调用方需要在连接上等待引擎要求的方向 (读/写/读写) 就绪后再重试同一个操作。
// 所有远程操作 (opendir/readdir/closedir/stat/open ...) 都必须经过 Do,
// 不允许在调用点各自实现这个循环。
package iopump

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
)

// DefaultTimeout 单次等待的上限
const DefaultTimeout = 10 * time.Second

// Direction 引擎继续推进所需要的 socket 方向
type Direction uint8

const (
	DirRead Direction = 1 << iota
	DirWrite

	DirBoth = DirRead | DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirBoth:
		return "read|write"
	}
	return "none"
}

type notReadyError struct {
	dir Direction
}

func (e *notReadyError) Error() string {
	return "operation not ready, waiting for " + e.dir.String()
}

// NotReady 返回一个 "尚未完成" 结果, dir 为引擎等待的方向
func NotReady(dir Direction) error {
	if dir == 0 {
		dir = DirBoth
	}
	return &notReadyError{dir: dir}
}

// IsNotReady 判断 err 是否为 NotReady, 并返回等待方向
func IsNotReady(err error) (Direction, bool) {
	var nr *notReadyError
	if errors.As(err, &nr) {
		return nr.dir, true
	}
	return 0, false
}

// Waiter 阻塞直到连接在 dir 方向上可能有进展, 或 timeout 到期。
// 超时不是错误, 返回 nil 即可, Do 会重新调用操作。
type Waiter interface {
	WaitReady(ctx context.Context, dir Direction, timeout time.Duration) error
}

// Diagnoser 提供会话最近一次的诊断信息
type Diagnoser interface {
	LastError() (code int, msg string)
}

// Pump 绑定到某个连接的等待器和诊断来源
type Pump struct {
	Waiter  Waiter
	Diag    Diagnoser
	Timeout time.Duration
}

func (p Pump) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

// Do 调用 fn 直到得到确定结果:
//   - 成功: 原样返回
//   - io.EOF: 数据正常结束, 原样返回, 不算错误
//   - NotReady: 等待一次后重试
//   - 其他错误: 终止循环, 转换为带有会话诊断信息的 errs.KindProtocol 错误
func Do[T any](ctx context.Context, p Pump, op string, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if err == nil || errors.Is(err, io.EOF) {
			return v, err
		}
		dir, again := IsNotReady(err)
		if !again {
			return v, p.translate(op, err)
		}
		if werr := p.Waiter.WaitReady(ctx, dir, p.timeout()); werr != nil {
			var zero T
			return zero, translateWait(op, werr)
		}
	}
}

func (p Pump) translate(op string, err error) error {
	var structured *errs.Error
	if errors.As(err, &structured) {
		return err
	}
	e := &errs.Error{Kind: errs.KindProtocol, Op: op, Err: err}
	if p.Diag != nil {
		e.Code, e.Msg = p.Diag.LastError()
	}
	if e.Msg == "" {
		e.Msg = err.Error()
	}
	return e
}

func translateWait(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &errs.Error{Kind: errs.KindCancelled, Op: op, Err: err}
	}
	var structured *errs.Error
	if errors.As(err, &structured) {
		return err
	}
	return &errs.Error{Kind: errs.KindSocket, Op: op, Err: err}
}
