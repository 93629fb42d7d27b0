package models

// Descriptor 打开一个连接所需的全部输入
type Descriptor struct {
	Host string
	Port int    // 0 表示使用默认端口, 由 config.FillDefaults 填写
	User string // 为空时使用本机当前用户

	Password   string
	KeyPath    string
	Passphrase string
	// AuthMethod 为空或 auto 时自动探测, 否则只尝试指定的方式
	AuthMethod string

	// ProxyJump 跳板机描述, 为 nil 表示直连
	ProxyJump *Descriptor
}

// Identity 定义认证信息
type Identity struct {
	User       string `yaml:"user"`
	KeyPath    string `yaml:"key_path,omitempty"`
	Passphrase string `yaml:"passphrase,omitempty"` // 私钥密码
	Password   string `yaml:"password,omitempty"`   // 登录密码
	AuthType   string `yaml:"auth_type,omitempty"`  // "", "auto", "agent", "key", "password"
}

// Host 定义网络连接信息
type Host struct {
	Alias   []string `yaml:"alias,omitempty"`
	Address string   `yaml:"address"` // IP 或 域名
	Port    int      `yaml:"port,omitempty"`
}

// Node 是用户操作的最小单元，聚合了 Host 和 Identity
type Node struct {
	Alias []string `yaml:"alias,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`

	HostRef     string `yaml:"host_ref"`
	IdentityRef string `yaml:"identity_ref"`

	// 指向另一个 Node 的 Name
	ProxyJump string `yaml:"proxy_jump,omitempty"`
}
