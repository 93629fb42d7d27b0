package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	KindNameResolution
	KindSocket
	KindHandshake
	KindAuthExhausted
	KindProtocol
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindNameResolution:
		return "name resolution"
	case KindSocket:
		return "socket"
	case KindHandshake:
		return "handshake"
	case KindAuthExhausted:
		return "authentication exhausted"
	case KindProtocol:
		return "protocol"
	case KindCancelled:
		return "cancelled by user"
	}
	return "unknown"
}

// IsConnectivity 表示用户应该检查网络或主机配置
func (k Kind) IsConnectivity() bool {
	return k == KindNameResolution || k == KindSocket || k == KindHandshake
}

// Error 是核心对外报告失败的结构化结果 (kind, message)
type Error struct {
	Kind Kind
	Op   string // 出错的操作, 如 "connect", "opendir"
	Host string
	Code int    // 服务端诊断码 (仅 KindProtocol 有意义)
	Msg  string // 服务端或本地的诊断文本
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("sftp")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	if e.Host != "" {
		fmt.Fprintf(&b, " %s", e.Host)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Kind == KindProtocol && e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Err != nil && (e.Msg == "" || !strings.Contains(e.Msg, e.Err.Error())) {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is 按 Kind 匹配哨兵错误, errors.Is(err, errs.ErrHandshake)
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNameResolution = &Error{Kind: KindNameResolution}
	ErrSocket         = &Error{Kind: KindSocket}
	ErrHandshake      = &Error{Kind: KindHandshake}
	ErrAuthExhausted  = &Error{Kind: KindAuthExhausted}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrCancelled      = &Error{Kind: KindCancelled}
)

// New 创建一个结构化错误
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap 用指定分类包装底层错误, err 为 nil 时返回 nil
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个结构化错误的分类
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// UserMessage 生成面向用户的提示, 区分认证失败和连接失败
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	kind := KindOf(err)
	switch {
	case kind == KindAuthExhausted:
		return fmt.Sprintf("认证失败, 请检查用户名/密码/密钥: %v", err)
	case kind.IsConnectivity():
		return fmt.Sprintf("连接失败, 请检查网络或主机配置: %v", err)
	case kind == KindCancelled:
		return "连接已被用户中断"
	}
	return err.Error()
}
