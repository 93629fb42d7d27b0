package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// State 认证协商的状态
type State int

const (
	StateStart State = iota
	StateListMethods
	StateTryAgent
	StateTryPublicKey
	StateTryPassword
	StateAuthenticated
	StateExhausted
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateListMethods:
		return "list-methods"
	case StateTryAgent:
		return "try-agent"
	case StateTryPublicKey:
		return "try-publickey"
	case StateTryPassword:
		return "try-password"
	case StateAuthenticated:
		return "authenticated"
	case StateExhausted:
		return "exhausted"
	}
	return "unknown"
}

// NegotiatorConfig 认证所需的输入
type NegotiatorConfig struct {
	User       string
	Host       string // 仅用于提示文本
	Policy     Policy
	KeyPath    string
	Passphrase string // 已知的口令, 可以为空
	Password   string // 已知的密码, 可以为空
	Prompter   Prompter
	Agent      AgentSource
}

// AuthResult 认证成功的结果
type AuthResult struct {
	Method     Method
	Capability Capability
	// 认证过程中最终生效的密码/口令 (可能来自提示), 供连接记住
	Password   string
	Passphrase string
	// agent 连接, 由连接持有并在断开时关闭
	Agent    io.Closer
	Failures []MethodFailure
	Trace    []State
}

// Negotiator 按固定顺序尝试认证方式的状态机
type Negotiator struct {
	auth Authenticator
	cfg  NegotiatorConfig

	caps     Capability
	result   AuthResult
	failures []MethodFailure
	trace    []State
}

func NewNegotiator(a Authenticator, cfg NegotiatorConfig) *Negotiator {
	if cfg.Policy == nil {
		cfg.Policy = Auto{}
	}
	return &Negotiator{auth: a, cfg: cfg}
}

// Run 执行协商直到 Authenticated 或 Exhausted
func (n *Negotiator) Run(ctx context.Context) (*AuthResult, error) {
	st := StateStart
	for {
		n.trace = append(n.trace, st)
		logger.Logger.Debug("auth state", "host", n.cfg.Host, "user", n.cfg.User, "state", st.String())

		var err error
		switch st {
		case StateStart:
			st = StateListMethods
		case StateListMethods:
			st, err = n.listMethods(ctx)
		case StateTryAgent:
			st, err = n.tryAgent(ctx)
		case StateTryPublicKey:
			st, err = n.tryPublicKey(ctx)
		case StateTryPassword:
			st, err = n.tryPassword(ctx)
		case StateAuthenticated:
			n.result.Capability = n.caps
			n.result.Failures = n.failures
			n.result.Trace = n.trace
			return &n.result, nil
		case StateExhausted:
			if n.result.Agent != nil {
				n.result.Agent.Close()
				n.result.Agent = nil
			}
			ex := &ExhaustedError{User: n.cfg.User, Failures: n.failures}
			return nil, &errs.Error{Kind: errs.KindAuthExhausted, Op: "auth", Host: n.cfg.Host, Msg: ex.Error(), Err: ex}
		}
		if err != nil {
			if n.result.Agent != nil {
				n.result.Agent.Close()
				n.result.Agent = nil
			}
			return nil, err
		}
	}
}

// next 返回 from 之后应进入的状态。
// Forced 策略只进入指定方式对应的状态, 并跳过能力检查。
func (n *Negotiator) next(from State) State {
	order := []State{StateTryAgent, StateTryPublicKey, StateTryPassword}
	if f, ok := n.cfg.Policy.(Forced); ok {
		target := stateFor(f.Method)
		for _, s := range order {
			if s == target && s > from {
				return s
			}
		}
		return StateExhausted
	}
	for _, s := range order {
		if s > from && n.eligible(s) {
			return s
		}
	}
	return StateExhausted
}

func stateFor(m Method) State {
	switch m {
	case MethodAgent:
		return StateTryAgent
	case MethodPublicKey:
		return StateTryPublicKey
	case MethodPassword:
		return StateTryPassword
	}
	return StateExhausted
}

func (n *Negotiator) eligible(s State) bool {
	switch s {
	case StateTryAgent:
		return n.caps.Has(CapPublicKey)
	case StateTryPublicKey:
		return n.caps.Has(CapPublicKey) && n.cfg.KeyPath != ""
	case StateTryPassword:
		return n.caps.Has(CapPassword)
	}
	return false
}

func (n *Negotiator) fail(m Method, format string, args ...any) {
	f := MethodFailure{Method: m, Msg: fmt.Sprintf(format, args...)}
	logger.Logger.Debug("auth method failed", "host", n.cfg.Host, "method", string(m), "reason", f.Msg)
	n.failures = append(n.failures, f)
}

func (n *Negotiator) succeed(m Method) State {
	logger.Logger.Debug("authenticated", "host", n.cfg.Host, "user", n.cfg.User, "method", string(m))
	n.result.Method = m
	return StateAuthenticated
}

func (n *Negotiator) listMethods(ctx context.Context) (State, error) {
	methods, err := n.auth.ListMethods(ctx)
	if err != nil {
		return StateExhausted, abortError(err)
	}
	if n.auth.Authenticated() {
		return n.succeed(MethodNone), nil
	}
	n.caps = ParseCapabilities(methods)
	logger.Logger.Debug("auth methods", "host", n.cfg.Host, "methods", n.caps.String())
	return n.next(StateListMethods), nil
}

func (n *Negotiator) tryAgent(ctx context.Context) (State, error) {
	if n.cfg.Agent == nil {
		n.fail(MethodAgent, "no agent configured")
		return n.next(StateTryAgent), nil
	}
	// agent 的任何错误都不影响后续方式
	ag, conn, err := n.cfg.Agent()
	if err != nil {
		n.fail(MethodAgent, "failed to connect to agent: %v", err)
		return n.next(StateTryAgent), nil
	}
	signers, err := ag.Signers()
	if err != nil {
		conn.Close()
		n.fail(MethodAgent, "failed to list agent identities: %v", err)
		return n.next(StateTryAgent), nil
	}
	if len(signers) == 0 {
		conn.Close()
		n.fail(MethodAgent, "agent has no identities")
		return n.next(StateTryAgent), nil
	}
	for _, signer := range signers {
		err := n.auth.AuthPublicKey(ctx, signer)
		if err == nil {
			n.result.Agent = conn
			return n.succeed(MethodAgent), nil
		}
		if isCancel(err) {
			conn.Close()
			return StateExhausted, abortError(err)
		}
		if !errors.Is(err, ErrDenied) {
			conn.Close()
			n.fail(MethodAgent, "%v", err)
			return n.next(StateTryAgent), nil
		}
	}
	conn.Close()
	n.fail(MethodAgent, "none of %d agent identities accepted", len(signers))
	return n.next(StateTryAgent), nil
}

func (n *Negotiator) tryPublicKey(ctx context.Context) (State, error) {
	if n.cfg.KeyPath == "" {
		n.fail(MethodPublicKey, "no private key configured")
		return n.next(StateTryPublicKey), nil
	}
	passphrase := n.cfg.Passphrase
	signer, err := LoadSigner(n.cfg.KeyPath, passphrase)
	if errors.Is(err, ErrPassphraseRequired) || errors.Is(err, ErrBadPassphrase) {
		// 已知口令失败, 提示一次
		if !n.auth.Offered(ctx, MethodPublicKey) {
			n.fail(MethodPublicKey, "%v", ErrMethodUnavailable)
			return n.next(StateTryPublicKey), nil
		}
		passphrase, err = n.prompt(fmt.Sprintf("Enter passphrase for key '%s': ", n.cfg.KeyPath))
		if err != nil {
			n.fail(MethodPublicKey, "passphrase prompt: %v", err)
			return n.next(StateTryPublicKey), nil
		}
		signer, err = LoadSigner(n.cfg.KeyPath, passphrase)
	}
	if err != nil {
		n.fail(MethodPublicKey, "%v", err)
		return n.next(StateTryPublicKey), nil
	}

	err = n.auth.AuthPublicKey(ctx, signer)
	switch {
	case err == nil:
		n.result.Passphrase = passphrase
		return n.succeed(MethodPublicKey), nil
	case isCancel(err):
		return StateExhausted, abortError(err)
	case errors.Is(err, ErrDenied):
		n.fail(MethodPublicKey, "key %s rejected by server", n.cfg.KeyPath)
	default:
		n.fail(MethodPublicKey, "%v", err)
	}
	return n.next(StateTryPublicKey), nil
}

func (n *Negotiator) tryPassword(ctx context.Context) (State, error) {
	password := n.cfg.Password
	if password != "" {
		err := n.auth.AuthPassword(ctx, password)
		switch {
		case err == nil:
			n.result.Password = password
			return n.succeed(MethodPassword), nil
		case isCancel(err):
			return StateExhausted, abortError(err)
		case !errors.Is(err, ErrDenied):
			n.fail(MethodPassword, "%v", err)
			return n.next(StateTryPassword), nil
		}
	} else if !n.auth.Offered(ctx, MethodPassword) {
		n.fail(MethodPassword, "%v", ErrMethodUnavailable)
		return n.next(StateTryPassword), nil
	}

	// 已知密码失败或没有密码, 提示一次
	password, err := n.prompt(fmt.Sprintf("%s@%s's password: ", n.cfg.User, n.cfg.Host))
	if err != nil {
		n.fail(MethodPassword, "password prompt: %v", err)
		return n.next(StateTryPassword), nil
	}
	err = n.auth.AuthPassword(ctx, password)
	switch {
	case err == nil:
		n.result.Password = password
		return n.succeed(MethodPassword), nil
	case isCancel(err):
		return StateExhausted, abortError(err)
	case errors.Is(err, ErrDenied):
		n.fail(MethodPassword, "password rejected by server")
	default:
		n.fail(MethodPassword, "%v", err)
	}
	return n.next(StateTryPassword), nil
}

// prompt 空输入等同于取消
func (n *Negotiator) prompt(msg string) (string, error) {
	if n.cfg.Prompter == nil {
		return "", ErrPromptCancelled
	}
	secret, err := n.cfg.Prompter.PromptSecret(msg)
	if err != nil {
		return "", err
	}
	if secret == "" {
		return "", ErrPromptCancelled
	}
	return secret, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func abortError(err error) error {
	if isCancel(err) {
		return &errs.Error{Kind: errs.KindCancelled, Op: "auth", Err: err}
	}
	return &errs.Error{Kind: errs.KindHandshake, Op: "auth", Err: err}
}
