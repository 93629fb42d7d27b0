package utils

import (
	"os"
	"os/user"
)

// LocalUsername 本机当前用户名, 取不到时依次读取 USER / USERNAME 环境变量
func LocalUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if name := os.Getenv("USER"); name != "" {
		return name
	}
	return os.Getenv("USERNAME")
}
