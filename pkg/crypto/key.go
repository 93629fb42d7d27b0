package crypto

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/wentf9/xops-sftpfs/pkg/utils/file"
)

const KeySize = 32 // AES-256

// LoadOrGenerateKey 读取密钥文件, 不存在时生成新密钥并以 0600 保存
func LoadOrGenerateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != KeySize {
			return nil, fmt.Errorf("invalid key file size in '%s': expected %d, got %d", path, KeySize, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	f, err := file.CreateRecursive(path, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to save key file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(key); err != nil {
		return nil, fmt.Errorf("failed to save key file: %w", err)
	}
	return key, nil
}
