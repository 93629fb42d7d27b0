package config

import (
	"fmt"
	"slices"

	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/utils/concurrent"
)

type Provider struct {
	cfg         *Configuration
	lookupIndex *concurrent.Map[string, string]
}

func NewProvider(cfg *Configuration) ConfigProvider {
	if cfg == nil {
		cfg = NewConfiguration()
	}
	provider := Provider{
		cfg:         cfg,
		lookupIndex: concurrent.NewMap[string, string](concurrent.HashString),
	}
	provider.init()
	return provider
}

// add 将节点及其所有标识符加入索引
func (cp Provider) add(nodeId string) {
	node, ok := cp.GetNode(nodeId)
	if !ok {
		return
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return
	}
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return
	}
	cp.lookupIndex.Set(nodeId, nodeId)
	if user := identity.User; user != "" {
		port := host.Port
		if port == 0 {
			port = DefaultPort
		}
		cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, host.Address, port), nodeId)
		for _, addr := range host.Alias {
			if addr == "" {
				continue
			}
			cp.lookupIndex.Set(fmt.Sprintf("%s@%s:%d", user, addr, port), nodeId)
		}
	}
	for _, alias := range node.Alias {
		if alias == "" {
			continue
		}
		cp.lookupIndex.Set(alias, nodeId)
	}
}

// Find 匹配用户输入 (节点名 / 别名 / user@host:port), 没找到返回空字符串
func (cp Provider) Find(input string) string {
	if nodeId, ok := cp.lookupIndex.Get(input); ok {
		return nodeId
	}
	return ""
}

func (cp Provider) GetNode(nodeId string) (models.Node, bool) {
	return cp.cfg.Nodes.Get(nodeId)
}

func (cp Provider) GetHost(nodeId string) (models.Host, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Hosts.Get(node.HostRef)
	}
	return models.Host{}, false
}

func (cp Provider) GetIdentity(nodeId string) (models.Identity, bool) {
	if node, ok := cp.cfg.Nodes.Get(nodeId); ok {
		return cp.cfg.Identities.Get(node.IdentityRef)
	}
	return models.Identity{}, false
}

func (cp Provider) AddNode(nodeId string, node models.Node) {
	cp.cfg.Nodes.Set(nodeId, node)
	cp.add(nodeId)
}

func (cp Provider) AddHost(hostId string, host models.Host) {
	cp.cfg.Hosts.Set(hostId, host)
}

func (cp Provider) AddIdentity(identityId string, identity models.Identity) {
	cp.cfg.Identities.Set(identityId, identity)
}

// DeleteNode 只删除节点和索引, 引用的 Host 和 Identity 可能被其他节点共用
func (cp Provider) DeleteNode(nodeId string) {
	if _, ok := cp.cfg.Nodes.Pop(nodeId); !ok {
		return
	}
	for _, key := range cp.lookupIndex.Keys() {
		cp.lookupIndex.RemoveIf(key, func(v string) bool { return v == nodeId })
	}
}

func (cp Provider) ListNodes() map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.cfg.Nodes.IterCb(func(k string, v models.Node) bool {
		nodes[k] = v
		return true
	})
	return nodes
}

func (cp Provider) GetNodesByTag(tag string) map[string]models.Node {
	nodes := make(map[string]models.Node)
	cp.cfg.Nodes.IterCb(func(k string, v models.Node) bool {
		if slices.Contains(v.Tags, tag) {
			nodes[k] = v
		}
		return true
	})
	return nodes
}

func (cp Provider) Descriptor(nodeId string) (models.Descriptor, error) {
	return cp.descriptor(nodeId, nil)
}

func (cp Provider) descriptor(nodeId string, seen []string) (models.Descriptor, error) {
	if slices.Contains(seen, nodeId) {
		return models.Descriptor{}, fmt.Errorf("proxy_jump loop: %v -> %s", seen, nodeId)
	}
	node, ok := cp.GetNode(nodeId)
	if !ok {
		return models.Descriptor{}, fmt.Errorf("node not found '%s'", nodeId)
	}
	host, ok := cp.GetHost(nodeId)
	if !ok {
		return models.Descriptor{}, fmt.Errorf("host ref '%s' not found for node '%s'", node.HostRef, nodeId)
	}
	identity, ok := cp.GetIdentity(nodeId)
	if !ok {
		return models.Descriptor{}, fmt.Errorf("identity ref '%s' not found for node '%s'", node.IdentityRef, nodeId)
	}

	d := models.Descriptor{
		Host:       host.Address,
		Port:       host.Port,
		User:       identity.User,
		Password:   identity.Password,
		KeyPath:    identity.KeyPath,
		Passphrase: identity.Passphrase,
		AuthMethod: identity.AuthType,
	}
	if node.ProxyJump != "" {
		jumpId := cp.Find(node.ProxyJump)
		if jumpId == "" {
			jumpId = node.ProxyJump
		}
		jump, err := cp.descriptor(jumpId, append(seen, nodeId))
		if err != nil {
			return models.Descriptor{}, fmt.Errorf("jump host '%s': %w", node.ProxyJump, err)
		}
		d.ProxyJump = &jump
	}
	return d, nil
}

func (cp Provider) init() {
	for _, nodeId := range cp.cfg.Nodes.Keys() {
		cp.add(nodeId)
	}
}
