package sftp

import (
	"os"
	"time"
)

// 属性存在标志 (SSH_FILEXFER_ATTR_*)
const (
	attrSize        = 0x00000001
	attrUIDGID      = 0x00000002
	attrPermissions = 0x00000004
	attrACModTime   = 0x00000008
	attrExtended    = 0x80000000
)

// POSIX 文件类型位
const (
	modeType    = 0o170000
	modeSocket  = 0o140000
	modeSymlink = 0o120000
	modeRegular = 0o100000
	modeBlock   = 0o060000
	modeDir     = 0o040000
	modeChar    = 0o020000
	modeFIFO    = 0o010000
	modeSetuid  = 0o004000
	modeSetgid  = 0o002000
	modeSticky  = 0o001000
)

// Attributes 是服务端返回的原始属性, Flags 标记哪些字段有效
type Attributes struct {
	Flags       uint32
	Size        uint64
	UID         uint32
	GID         uint32
	Permissions uint32
	ATime       uint32
	MTime       uint32
}

func (a *Attributes) Has(flag uint32) bool { return a.Flags&flag != 0 }

// unmarshal 解析 ATTRS 结构, 扩展属性只跳过不保留
func (a *Attributes) unmarshal(b *buffer) error {
	var err error
	if a.Flags, err = b.consumeUint32(); err != nil {
		return err
	}
	if a.Has(attrSize) {
		if a.Size, err = b.consumeUint64(); err != nil {
			return err
		}
	}
	if a.Has(attrUIDGID) {
		if a.UID, err = b.consumeUint32(); err != nil {
			return err
		}
		if a.GID, err = b.consumeUint32(); err != nil {
			return err
		}
	}
	if a.Has(attrPermissions) {
		if a.Permissions, err = b.consumeUint32(); err != nil {
			return err
		}
	}
	if a.Has(attrACModTime) {
		if a.ATime, err = b.consumeUint32(); err != nil {
			return err
		}
		if a.MTime, err = b.consumeUint32(); err != nil {
			return err
		}
	}
	if a.Has(attrExtended) {
		count, err := b.consumeUint32()
		if err != nil {
			return err
		}
		for range count {
			if _, err := b.consumeBytes(); err != nil {
				return err
			}
			if _, err := b.consumeBytes(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Attributes) marshal(b *buffer) {
	b.appendUint32(a.Flags &^ attrExtended)
	if a.Has(attrSize) {
		b.appendUint64(a.Size)
	}
	if a.Has(attrUIDGID) {
		b.appendUint32(a.UID)
		b.appendUint32(a.GID)
	}
	if a.Has(attrPermissions) {
		b.appendUint32(a.Permissions)
	}
	if a.Has(attrACModTime) {
		b.appendUint32(a.ATime)
		b.appendUint32(a.MTime)
	}
}

// StatRecord 是调用方持有的目标记录。
// ApplyTo 只写入服务端标记存在的字段, 其他字段保持调用前的值。
type StatRecord struct {
	Size  int64
	UID   uint32
	GID   uint32
	Mode  uint32 // 原始的 POSIX mode, 含文件类型位
	ATime time.Time
	MTime time.Time
	CTime time.Time
}

// ApplyTo 把存在的字段复制到 dst
func (a *Attributes) ApplyTo(dst *StatRecord) {
	if a.Has(attrUIDGID) {
		dst.UID = a.UID
		dst.GID = a.GID
	}
	if a.Has(attrACModTime) {
		dst.ATime = time.Unix(int64(a.ATime), 0)
		dst.MTime = time.Unix(int64(a.MTime), 0)
		// v3 没有 ctime, 用 mtime 代替
		dst.CTime = dst.MTime
	}
	if a.Has(attrSize) {
		dst.Size = int64(a.Size)
	}
	if a.Has(attrPermissions) {
		dst.Mode = a.Permissions
	}
}

// FileMode 把 POSIX mode 转成 os.FileMode
func FileMode(mode uint32) os.FileMode {
	fm := os.FileMode(mode & 0o777)
	switch mode & modeType {
	case modeDir:
		fm |= os.ModeDir
	case modeSymlink:
		fm |= os.ModeSymlink
	case modeBlock:
		fm |= os.ModeDevice
	case modeChar:
		fm |= os.ModeDevice | os.ModeCharDevice
	case modeFIFO:
		fm |= os.ModeNamedPipe
	case modeSocket:
		fm |= os.ModeSocket
	}
	if mode&modeSetuid != 0 {
		fm |= os.ModeSetuid
	}
	if mode&modeSetgid != 0 {
		fm |= os.ModeSetgid
	}
	if mode&modeSticky != 0 {
		fm |= os.ModeSticky
	}
	return fm
}

// IsDir 仅在权限字段存在时才有意义
func (r *StatRecord) IsDir() bool { return r.Mode&modeType == modeDir }

func (r *StatRecord) FileMode() os.FileMode { return FileMode(r.Mode) }
