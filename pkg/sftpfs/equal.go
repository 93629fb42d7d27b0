package sftpfs

import (
	"fmt"
	"net"
	"strconv"

	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/utils"
)

// Effective 补全用户名 (本机用户) 和端口 (默认端口), 其余字段不变
func Effective(d models.Descriptor) models.Descriptor {
	if d.User == "" {
		d.User = utils.LocalUsername()
	}
	if d.Port == 0 {
		d.Port = config.DefaultPort
	}
	return d
}

// Key 连接复用的键, 形如 user@host:port
func Key(d models.Descriptor) string {
	d = Effective(d)
	return fmt.Sprintf("%s@%s", d.User, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
}

// ConnectionsEqual 两个描述是否指向同一个连接: host、生效的用户名、生效的端口都相同。
// 凭据和跳板机不参与比较。
func ConnectionsEqual(a, b models.Descriptor) bool {
	a, b = Effective(a), Effective(b)
	return a.Host == b.Host && a.User == b.User && a.Port == b.Port
}
