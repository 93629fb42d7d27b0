package sftp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// SFTP v3 数据包类型 (draft-ietf-secsh-filexfer-02)
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpMkdir    = 14
	fxpRealpath = 16
	fxpStat     = 17
	fxpStatus   = 101
	fxpHandle   = 102
	fxpData     = 103
	fxpName     = 104
	fxpAttrs    = 105
)

// 协议版本
const protocolVersion = 3

// 打开文件的协议标志 (SSH_FXF_*)
const (
	fxfRead   = 0x00000001
	fxfWrite  = 0x00000002
	fxfAppend = 0x00000004
	fxfCreat  = 0x00000008
	fxfTrunc  = 0x00000010
	fxfExcl   = 0x00000020
)

// 状态码 (SSH_FX_*)
const (
	StatusOK               = 0
	StatusEOF              = 1
	StatusNoSuchFile       = 2
	StatusPermissionDenied = 3
	StatusFailure          = 4
	StatusBadMessage       = 5
	StatusNoConnection     = 6
	StatusConnectionLost   = 7
	StatusOpUnsupported    = 8
)

// 单个包的上限, 超过视为协议错误
const maxPacketLen = 1 << 20

var (
	errShortPacket = errors.New("sftp: packet too short")
	errLongPacket  = errors.New("sftp: packet too long")
)

// StatusError 是服务端 SSH_FXP_STATUS 的非 OK 响应
type StatusError struct {
	Code uint32
	Msg  string
}

func (e *StatusError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("sftp: status %d", e.Code)
	}
	return fmt.Sprintf("sftp: %s (status %d)", e.Msg, e.Code)
}

// packet 是解码后的响应, payload 不含长度/类型/请求 id
type packet struct {
	typ     byte
	id      uint32
	payload []byte
}

// buffer 负责 SSH 线格式的编解码
type buffer struct {
	b   []byte
	off int
}

func newMarshalBuffer(typ byte, id uint32) *buffer {
	b := &buffer{b: make([]byte, 4, 64)}
	b.appendUint8(typ)
	b.appendUint32(id)
	return b
}

// packetBytes 回填长度字段并返回完整的包
func (b *buffer) packetBytes() []byte {
	binary.BigEndian.PutUint32(b.b[:4], uint32(len(b.b)-4))
	return b.b
}

func (b *buffer) len() int { return len(b.b) - b.off }

func (b *buffer) appendUint8(v uint8) { b.b = append(b.b, v) }

func (b *buffer) appendUint32(v uint32) { b.b = binary.BigEndian.AppendUint32(b.b, v) }

func (b *buffer) appendUint64(v uint64) { b.b = binary.BigEndian.AppendUint64(b.b, v) }

func (b *buffer) appendString(v string) {
	b.appendUint32(uint32(len(v)))
	b.b = append(b.b, v...)
}

func (b *buffer) appendBytes(v []byte) {
	b.appendUint32(uint32(len(v)))
	b.b = append(b.b, v...)
}

func (b *buffer) consumeUint8() (uint8, error) {
	if b.len() < 1 {
		return 0, errShortPacket
	}
	v := b.b[b.off]
	b.off++
	return v, nil
}

func (b *buffer) consumeUint32() (uint32, error) {
	if b.len() < 4 {
		return 0, errShortPacket
	}
	v := binary.BigEndian.Uint32(b.b[b.off:])
	b.off += 4
	return v, nil
}

func (b *buffer) consumeUint64() (uint64, error) {
	if b.len() < 8 {
		return 0, errShortPacket
	}
	v := binary.BigEndian.Uint64(b.b[b.off:])
	b.off += 8
	return v, nil
}

func (b *buffer) consumeBytes() ([]byte, error) {
	n, err := b.consumeUint32()
	if err != nil {
		return nil, err
	}
	if uint32(b.len()) < n {
		return nil, errShortPacket
	}
	v := b.b[b.off : b.off+int(n)]
	b.off += int(n)
	return v, nil
}

func (b *buffer) consumeString() (string, error) {
	v, err := b.consumeBytes()
	return string(v), err
}

// readPacket 从流中读出一个完整的包
func readPacket(r io.Reader) (*packet, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if length < 1 {
		return nil, errShortPacket
	}
	if length > maxPacketLen {
		return nil, errLongPacket
	}
	body := make([]byte, length-1)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	p := &packet{typ: hdr[4]}
	// VERSION 没有请求 id, 统一记为 0
	if p.typ == fxpVersion {
		p.payload = body
		return p, nil
	}
	if len(body) < 4 {
		return nil, errShortPacket
	}
	p.id = binary.BigEndian.Uint32(body[:4])
	p.payload = body[4:]
	return p, nil
}

// statusOf 解析 STATUS 包, code 为 OK 时返回 nil
func statusOf(p *packet) error {
	b := &buffer{b: p.payload}
	code, err := b.consumeUint32()
	if err != nil {
		return err
	}
	// 消息和语言标签在 v3 中是可选的
	msg, _ := b.consumeString()
	if code == StatusOK {
		return nil
	}
	if code == StatusEOF {
		return io.EOF
	}
	return &StatusError{Code: code, Msg: msg}
}

// unexpected 把非预期类型的响应转为错误
func unexpected(p *packet, want byte) error {
	if p.typ == fxpStatus {
		if err := statusOf(p); err != nil {
			return err
		}
	}
	return fmt.Errorf("sftp: unexpected packet type %d, want %d", p.typ, want)
}
