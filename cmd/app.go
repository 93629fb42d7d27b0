package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/wentf9/xops-sftpfs/cmd/utils"
	"github.com/wentf9/xops-sftpfs/cmd/version"
	"github.com/wentf9/xops-sftpfs/pkg/config"
	"github.com/wentf9/xops-sftpfs/pkg/crypto"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/sftpfs"
)

// ConnOptions 所有子命令共用的连接参数
type ConnOptions struct {
	ConfigPath string
	KeyFile    string
	AuthMethod string
	Jump       string
	Save       string
}

var connOpts ConnOptions

// app 命令运行期间共享的配置和连接池
type app struct {
	settings config.Settings
	store    config.Store
	cfg      *config.Configuration
	provider config.ConfigProvider
	pool     *sftpfs.Pool
	// 保存配置时串行化, 同一次运行只保存一次
	saveMu sync.Mutex
	saved  bool
}

var (
	appOnce sync.Once
	appInst *app
	appErr  error
)

func loadApp() (*app, error) {
	appOnce.Do(func() {
		appInst, appErr = newApp()
	})
	return appInst, appErr
}

func newApp() (*app, error) {
	settings, err := config.LoadSettings()
	if err != nil {
		return nil, fmt.Errorf("读取环境变量失败: %w", err)
	}
	if connOpts.ConfigPath != "" {
		settings.ConfigPath = connOpts.ConfigPath
	}
	key, err := crypto.LoadOrGenerateKey(settings.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("加载密钥失败: %w", err)
	}
	store := config.NewDefaultStore(settings.ConfigPath, key)
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	logger.Logger.Debug("config loaded", "path", settings.ConfigPath, "nodes", cfg.Nodes.Count())
	return &app{
		settings: settings,
		store:    store,
		cfg:      cfg,
		provider: config.NewProvider(cfg),
		pool:     sftpfs.NewPool(
			sftpfs.WithSettings(settings),
			sftpfs.WithPrompter(utils.TermPrompter{}),
			sftpfs.WithClientVersion(version.ClientVersion()),
		),
	}, nil
}

// closeApp 释放连接池, 在命令结束后调用
func closeApp() {
	if appInst != nil {
		appInst.pool.CloseAll()
	}
}

// resolve 把命令行目标转换为连接描述和远程路径
func (a *app) resolve(input string) (models.Descriptor, string, error) {
	t, err := utils.ParseTarget(input)
	if err != nil {
		return models.Descriptor{}, "", err
	}

	var d models.Descriptor
	nodeId := ""
	if !t.URL {
		nodeId = a.provider.Find(t.Name)
		if nodeId == "" && t.User != "" {
			nodeId = a.provider.Find(fmt.Sprintf("%s@%s:%d", t.User, t.Host, a.settings.Port))
		}
	}
	if nodeId != "" {
		if d, err = a.provider.Descriptor(nodeId); err != nil {
			return models.Descriptor{}, "", err
		}
	} else {
		d = models.Descriptor{Host: t.Host, Port: t.Port, User: t.User}
	}

	if connOpts.KeyFile != "" {
		d.KeyPath = connOpts.KeyFile
	}
	if connOpts.AuthMethod != "" {
		d.AuthMethod = connOpts.AuthMethod
	}
	if connOpts.Jump != "" && d.ProxyJump == nil {
		jump, err := a.jumpDescriptor(connOpts.Jump)
		if err != nil {
			return models.Descriptor{}, "", err
		}
		d.ProxyJump = &jump
	}
	return d, t.Path, nil
}

func (a *app) jumpDescriptor(input string) (models.Descriptor, error) {
	if nodeId := a.provider.Find(input); nodeId != "" {
		return a.provider.Descriptor(nodeId)
	}
	user, host := utils.ParseAddr(input)
	return models.Descriptor{Host: host, User: user}, nil
}

// connect 解析目标并从连接池获取连接
func (a *app) connect(ctx context.Context, input string) (*sftpfs.Connection, string, error) {
	d, p, err := a.resolve(input)
	if err != nil {
		return nil, "", err
	}
	conn, err := a.pool.Get(ctx, d)
	if err != nil {
		return nil, "", err
	}
	if connOpts.Save != "" {
		if err := a.save(connOpts.Save, conn); err != nil {
			logger.Logger.Warn("保存节点失败", "name", connOpts.Save, "err", err)
		}
	}
	return conn, p, nil
}

// save 把成功的连接保存为节点, 密码和口令加密后写入配置文件
func (a *app) save(name string, conn *sftpfs.Connection) error {
	a.saveMu.Lock()
	defer a.saveMu.Unlock()
	if a.saved {
		return nil
	}

	d := conn.Descriptor()
	a.provider.AddHost(name, models.Host{Address: d.Host, Port: d.Port})
	a.provider.AddIdentity(name, models.Identity{
		User:       d.User,
		KeyPath:    d.KeyPath,
		Passphrase: d.Passphrase,
		Password:   d.Password,
		AuthType:   d.AuthMethod,
	})
	node := models.Node{HostRef: name, IdentityRef: name}
	if connOpts.Jump != "" {
		node.ProxyJump = connOpts.Jump
	}
	a.provider.AddNode(name, node)
	if err := a.store.Save(a.cfg); err != nil {
		return err
	}
	a.saved = true
	fmt.Fprintf(os.Stderr, "节点 %s 已保存 (%s)\n", name, conn.Key())
	return nil
}
