package ssh

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrPassphraseRequired 私钥已加密但没有提供口令
	ErrPassphraseRequired = errors.New("private key is encrypted, passphrase required")
	// ErrBadPassphrase 口令错误
	ErrBadPassphrase = errors.New("incorrect passphrase for private key")
)

// LoadSigner 读取私钥文件。
// 未加密的私钥忽略 passphrase; 加密的私钥缺少或口令错误时分别返回
// ErrPassphraseRequired / ErrBadPassphrase。
func LoadSigner(path, passphrase string) (ssh.Signer, error) {
	keyBytes, err := os.ReadFile(ExpandHomeDir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	if passphrase == "" {
		return nil, ErrPassphraseRequired
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
	if errors.Is(err, x509.IncorrectPasswordError) {
		return nil, ErrBadPassphrase
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return signer, nil
}

// DefaultKeyPaths 返回 ~/.ssh 下存在的默认私钥
func DefaultKeyPaths() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var paths []string
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		p := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(p); err == nil {
			paths = append(paths, p)
		}
	}
	return paths
}

// ExpandHomeDir 简单的路径处理辅助函数
func ExpandHomeDir(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			return home + path[1:]
		}
	}
	return path
}
