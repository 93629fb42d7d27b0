package ssh

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Method 认证方式
type Method string

const (
	MethodNone      Method = "none"
	MethodAgent     Method = "agent"
	MethodPublicKey Method = "publickey"
	MethodPassword  Method = "password"
)

// Capability 服务端为当前用户提供的认证能力
type Capability uint8

const (
	CapPublicKey Capability = 1 << iota
	CapPassword
)

func (c Capability) Has(x Capability) bool { return c&x != 0 }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapPublicKey) {
		parts = append(parts, "publickey")
	}
	if c.Has(CapPassword) {
		parts = append(parts, "password")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseCapabilities 解析服务端的方法列表, keyboard-interactive 归入 Password
func ParseCapabilities(methods []string) Capability {
	var c Capability
	for _, m := range methods {
		switch strings.TrimSpace(m) {
		case "publickey":
			c |= CapPublicKey
		case "password", "keyboard-interactive":
			c |= CapPassword
		}
	}
	return c
}

// Policy 认证方式的选择策略, 只有 Auto 和 Forced 两种
type Policy interface {
	isPolicy()
}

// Auto 按 agent -> 私钥 -> 密码 的顺序自动探测
type Auto struct{}

// Forced 只尝试配置指定的一种方式, 不做能力检测
type Forced struct {
	Method Method
}

func (Auto) isPolicy()   {}
func (Forced) isPolicy() {}

// ParsePolicy 解析配置中的认证方式, 空字符串和 auto 表示自动
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return Auto{}, nil
	case "agent":
		return Forced{Method: MethodAgent}, nil
	case "publickey", "key":
		return Forced{Method: MethodPublicKey}, nil
	case "password":
		return Forced{Method: MethodPassword}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", s)
}

var (
	// ErrDenied 服务端拒绝了这次凭据, 同一方式还可以再试
	ErrDenied = errors.New("ssh: credentials rejected")
	// ErrMethodUnavailable 服务端没有提供该方式, 或者已经不再接受
	ErrMethodUnavailable = errors.New("ssh: authentication method not available")
	// ErrPromptCancelled 用户取消了输入
	ErrPromptCancelled = errors.New("prompt cancelled")
)

// Authenticator 是协商器看到的会话接口。
// Auth* 的返回: nil 认证成功; ErrDenied 可以换凭据重试; 其他错误表示该方式失败。
type Authenticator interface {
	// ListMethods 返回服务端为用户提供的方法名
	ListMethods(ctx context.Context) ([]string, error)
	// Authenticated 是否已经通过 (例如 none 认证直接成功)
	Authenticated() bool
	// Offered 确认方式 m 当前可以尝试, 用于在提示用户之前检查
	Offered(ctx context.Context, m Method) bool
	AuthPublicKey(ctx context.Context, signer ssh.Signer) error
	AuthPassword(ctx context.Context, password string) error
}

// Prompter 交互式输入的协作者
type Prompter interface {
	// PromptSecret 返回用户输入, 取消时返回 ErrPromptCancelled
	PromptSecret(msg string) (string, error)
}

// PromptFunc 让普通函数实现 Prompter
type PromptFunc func(msg string) (string, error)

func (f PromptFunc) PromptSecret(msg string) (string, error) { return f(msg) }

// MethodFailure 记录一种方式失败的原因
type MethodFailure struct {
	Method Method
	Msg    string
}

func (f MethodFailure) String() string {
	return fmt.Sprintf("%s: %s", f.Method, f.Msg)
}

// ExhaustedError 所有可用方式都失败了
type ExhaustedError struct {
	User     string
	Failures []MethodFailure
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("no authentication method available for user %q", e.User)
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}
	return fmt.Sprintf("all authentication methods failed for user %q (%s)", e.User, strings.Join(parts, "; "))
}
