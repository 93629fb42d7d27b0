package file

import (
	"os"
	"path/filepath"
)

// CreateRecursive 创建 (或截断) 文件用于写入, 父目录不存在时一并创建
func CreateRecursive(filePath string, perm os.FileMode) (*os.File, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
}
