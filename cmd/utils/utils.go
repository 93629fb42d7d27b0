package utils

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/wentf9/xops-sftpfs/pkg/ssh"
)

// Target 命令行中的远程目标
type Target struct {
	// Name 节点名/别名或 [user@]host, 由调用方在配置中查找
	Name string
	User string
	Host string
	Port int
	Path string
	// URL 为 true 表示使用 sftp:// 形式, 不查找配置
	URL bool
}

// ParseTarget 解析 sftp://[user@]host[:port]/path 或 name:path
func ParseTarget(input string) (Target, error) {
	if strings.HasPrefix(input, "sftp://") {
		u, err := url.Parse(input)
		if err != nil {
			return Target{}, fmt.Errorf("invalid target %q: %w", input, err)
		}
		t := Target{URL: true, Host: u.Hostname(), Path: u.Path}
		if u.User != nil {
			t.User = u.User.Username()
		}
		if p := u.Port(); p != "" {
			t.Port = ParsePort(p)
			if t.Port == 0 {
				return Target{}, fmt.Errorf("invalid port in %q", input)
			}
		}
		if t.Host == "" {
			return Target{}, fmt.Errorf("missing host in %q", input)
		}
		if t.Path == "" {
			t.Path = "."
		}
		t.Name = t.Host
		return t, nil
	}

	name, p, ok := strings.Cut(input, ":")
	if !ok || name == "" {
		return Target{}, fmt.Errorf("invalid target %q, expected name:path or sftp://host/path", input)
	}
	if p == "" {
		p = "."
	}
	t := Target{Name: name, Path: p}
	t.User, t.Host = ParseAddr(name)
	return t, nil
}

// ParseAddr 解析 [user@]host
func ParseAddr(input string) (user, host string) {
	if i := strings.LastIndex(input, "@"); i != -1 {
		return strings.TrimSpace(input[:i]), strings.TrimSpace(input[i+1:])
	}
	return "", strings.TrimSpace(input)
}

// ParsePort 解析端口字符串, 无效时返回 0
func ParsePort(input string) int {
	if input == "" {
		return 0
	}
	port, err := strconv.ParseUint(input, 10, 16)
	if err != nil {
		return 0
	}
	return int(port)
}

// TermPrompter 从终端读取不回显的输入, 标准输入不是终端时视为取消
type TermPrompter struct{}

func (TermPrompter) PromptSecret(msg string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", ssh.ErrPromptCancelled
	}
	fmt.Fprint(os.Stderr, msg)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr) // ReadPassword 不会打印换行符
	if err != nil {
		return "", errors.Join(ssh.ErrPromptCancelled, err)
	}
	return string(secret), nil
}
