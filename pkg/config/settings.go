package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/wentf9/xops-sftpfs/pkg/models"
)

// DefaultPort 未指定端口时使用
const DefaultPort = 22

// Settings 从 SFTPFS_* 环境变量读取
type Settings struct {
	AuthMethod     string        `envconfig:"AUTH_METHOD" default:"auto"`
	Port           int           `envconfig:"PORT" default:"22"`
	WaitTimeout    time.Duration `envconfig:"WAIT_TIMEOUT" default:"10s"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	// Keepalive 为 0 时不发送
	Keepalive   time.Duration `envconfig:"KEEPALIVE" default:"0s"`
	AgentSocket string        `envconfig:"AGENT_SOCKET" default:""`
	ConfigPath  string        `envconfig:"CONFIG" default:""`
	SecretKey   string        `envconfig:"SECRET_KEY_FILE" default:""`
}

func LoadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process("SFTPFS", &s); err != nil {
		return Settings{}, err
	}
	if s.ConfigPath == "" {
		s.ConfigPath = filepath.Join(configDir(), "config.yaml")
	}
	if s.SecretKey == "" {
		s.SecretKey = filepath.Join(configDir(), "secret.key")
	}
	return s, nil
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "sftpfs")
	}
	return ".sftpfs"
}

// FillDefaults 补全端口和认证方式, 用户名保持为空由连接层决定。
// 跳板机描述先复制再填写, 不修改调用方持有的 ProxyJump。
func FillDefaults(d *models.Descriptor, s Settings) {
	for cur := d; cur != nil; cur = cur.ProxyJump {
		if cur.ProxyJump != nil {
			jump := *cur.ProxyJump
			cur.ProxyJump = &jump
		}
		if cur.Port == 0 {
			cur.Port = s.Port
		}
		if cur.Port == 0 {
			cur.Port = DefaultPort
		}
		if cur.AuthMethod == "" {
			cur.AuthMethod = s.AuthMethod
		}
	}
}
