package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/wentf9/xops-sftpfs/pkg/crypto"
	"github.com/wentf9/xops-sftpfs/pkg/models"
	"github.com/wentf9/xops-sftpfs/pkg/utils/file"
)

type Store interface {
	Load() (*Configuration, error)
	Save(cfg *Configuration) error
}

type defaultStore struct {
	Path string
	Key  []byte // 用于加解密配置文件中的敏感字段, 为空时明文保存
}

func NewDefaultStore(path string, key []byte) Store {
	return &defaultStore{
		Path: path,
		Key:  key,
	}
}

func (s *defaultStore) crypter() (*crypto.Crypter, error) {
	if len(s.Key) == 0 {
		return nil, nil
	}
	return crypto.NewCrypter(s.Key)
}

// Load 读取并解密配置, 文件不存在时返回空配置
func (s *defaultStore) Load() (*Configuration, error) {
	config := NewConfiguration()
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.Path, err)
	}

	c, err := s.crypter()
	if err != nil {
		return nil, err
	}
	for _, name := range config.Identities.Keys() {
		id, _ := config.Identities.Get(name)
		if id.Password, err = open(c, id.Password); err != nil {
			return nil, fmt.Errorf("identity '%s' password: %w", name, err)
		}
		if id.Passphrase, err = open(c, id.Passphrase); err != nil {
			return nil, fmt.Errorf("identity '%s' passphrase: %w", name, err)
		}
		config.Identities.Set(name, id)
	}
	return config, nil
}

// Save 加密敏感字段后写入, 不修改传入的 cfg
func (s *defaultStore) Save(cfg *Configuration) error {
	c, err := s.crypter()
	if err != nil {
		return err
	}
	out := NewConfiguration()
	cfg.Hosts.IterCb(func(k string, v models.Host) bool { out.Hosts.Set(k, v); return true })
	cfg.Nodes.IterCb(func(k string, v models.Node) bool { out.Nodes.Set(k, v); return true })
	var sealErr error
	cfg.Identities.IterCb(func(k string, id models.Identity) bool {
		if id.Password, sealErr = seal(c, id.Password); sealErr != nil {
			return false
		}
		if id.Passphrase, sealErr = seal(c, id.Passphrase); sealErr != nil {
			return false
		}
		out.Identities.Set(k, id)
		return true
	})
	if sealErr != nil {
		return sealErr
	}

	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	f, err := file.CreateRecursive(s.Path, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func seal(c *crypto.Crypter, s string) (string, error) {
	if c == nil || s == "" || crypto.IsEncrypted(s) {
		return s, nil
	}
	return c.Encrypt(s)
}

func open(c *crypto.Crypter, s string) (string, error) {
	if !crypto.IsEncrypted(s) {
		return s, nil
	}
	if c == nil {
		return "", errors.New("value is encrypted but no key is configured")
	}
	return c.Decrypt(s)
}
