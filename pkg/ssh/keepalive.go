package ssh

import (
	"context"
	"time"

	"golang.org/x/crypto/ssh"
)

// StartKeepAlive 开启一个协程，定期向 SSH Server 发送心跳, ctx 结束时退出
// interval: 心跳间隔 (建议 15s - 60s)
// fallback: 可选的回调函数，心跳失败时会先关闭连接再调用
func StartKeepAlive(ctx context.Context, client *ssh.Client, interval time.Duration, fallback func(err error)) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			// "keepalive@openssh.com" 是 OpenSSH 标准的心跳请求类型
			// wantReply = true: 要求服务器回复。如果服务器挂了或网络断了，SendRequest 会报错
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				// 显式关闭 Client，这样正在使用的通道也会收到错误通知
				client.Close()
				if fallback != nil {
					fallback(err)
				}
				return
			}
		}
	}()
}
