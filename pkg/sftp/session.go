package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/iopump"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// VERSION 响应没有请求 id, 收到后存放在 id 0 下
const versionID = 0

// Session 是非阻塞的 SFTP 协议引擎。
//
// 每个操作都是 "发送请求 / 取回响应" 两步:
// 第一次调用发出请求并返回 iopump.NotReady, 之后用同一个 key 重试,
// 响应到达前一直返回 NotReady, 到达后返回结果。
// 同一时刻只有一个在途请求, 换了 key 的新操作会丢弃上一个未完成的请求。
type Session struct {
	ch io.ReadWriteCloser

	mu       sync.Mutex // 保护以下操作状态
	nextID   uint32
	pending  *pending
	lastCode int
	lastMsg  string

	inMu      sync.Mutex // 保护接收侧状态, 接收协程只拿这把锁
	inbox     map[uint32]*packet
	abandoned map[uint32]struct{}
	readErr   error

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type pending struct {
	key string
	id  uint32
}

// NewSession 在已打开的 sftp 子系统通道上创建引擎, 并开始接收响应
func NewSession(ch io.ReadWriteCloser) *Session {
	s := &Session{
		ch:        ch,
		nextID:    1,
		inbox:     make(map[uint32]*packet),
		abandoned: make(map[uint32]struct{}),
		ready:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go s.recvLoop()
	return s
}

func (s *Session) recvLoop() {
	defer close(s.done)
	for {
		p, err := readPacket(s.ch)
		s.inMu.Lock()
		if err != nil {
			s.readErr = err
			s.inMu.Unlock()
			s.signal()
			return
		}
		if _, gone := s.abandoned[p.id]; gone {
			delete(s.abandoned, p.id)
			s.inMu.Unlock()
			continue
		}
		s.inbox[p.id] = p
		s.inMu.Unlock()
		s.signal()
	}
}

func (s *Session) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// WaitReady 实现 iopump.Waiter。
// 请求在调用时已经同步写出, 所以只需要等接收方向; 超时返回 nil 交给调用方重试。
func (s *Session) WaitReady(ctx context.Context, _ iopump.Direction, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.ready:
	case <-s.done:
	case <-t.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// LastError 实现 iopump.Diagnoser, 返回最近一次服务端状态码和文本
func (s *Session) LastError() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCode, s.lastMsg
}

// Close 关闭通道并等待接收协程退出
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.ch.Close()
		<-s.done
	})
	return err
}

// Done 在连接断开后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// roundTrip 推进 key 标识的操作一步。
// build 用分配的请求 id 构造完整的请求包。
func (s *Session) roundTrip(key string, build func(id uint32) []byte) (*packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil && s.pending.key != key {
		s.abandon(s.pending.id)
		s.pending = nil
	}

	if s.pending != nil {
		id := s.pending.id
		s.inMu.Lock()
		p, ok := s.inbox[id]
		delete(s.inbox, id)
		readErr := s.readErr
		s.inMu.Unlock()
		switch {
		case ok:
			s.pending = nil
			s.record(p)
			return p, nil
		case readErr != nil:
			s.pending = nil
			return nil, s.lost(readErr)
		}
		return nil, iopump.NotReady(iopump.DirRead)
	}

	s.inMu.Lock()
	readErr := s.readErr
	s.inMu.Unlock()
	if readErr != nil {
		return nil, s.lost(readErr)
	}

	id := s.nextID
	if key == initKey {
		id = versionID
	} else {
		s.nextID++
	}
	if _, err := s.ch.Write(build(id)); err != nil {
		return nil, s.lost(err)
	}
	s.pending = &pending{key: key, id: id}
	logger.Logger.Debug("sftp request sent", "op", key, "id", id)
	return nil, iopump.NotReady(iopump.DirRead)
}

// abandon 丢弃一个不再等待的请求, 迟到的响应由接收协程直接扔掉
func (s *Session) abandon(id uint32) {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if _, ok := s.inbox[id]; ok {
		delete(s.inbox, id)
		return
	}
	if s.readErr == nil {
		s.abandoned[id] = struct{}{}
	}
}

// record 更新诊断信息, 非 STATUS 响应视为成功
func (s *Session) record(p *packet) {
	if p.typ != fxpStatus {
		s.lastCode, s.lastMsg = StatusOK, ""
		return
	}
	b := &buffer{b: p.payload}
	code, err := b.consumeUint32()
	if err != nil {
		return
	}
	msg, _ := b.consumeString()
	s.lastCode, s.lastMsg = int(code), msg
}

func (s *Session) lost(err error) error {
	s.lastCode, s.lastMsg = StatusConnectionLost, "connection lost"
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &errs.Error{Kind: errs.KindSocket, Op: "sftp", Code: StatusConnectionLost, Msg: "connection lost", Err: err}
}

// ================== 协议操作 (每次调用推进一步) ==================

const initKey = "init"

func (s *Session) init() (uint32, error) {
	p, err := s.roundTrip(initKey, func(uint32) []byte {
		b := &buffer{b: make([]byte, 4, 9)}
		b.appendUint8(fxpInit)
		b.appendUint32(protocolVersion)
		return b.packetBytes()
	})
	if err != nil {
		return 0, err
	}
	if p.typ != fxpVersion {
		return 0, unexpected(p, fxpVersion)
	}
	b := &buffer{b: p.payload}
	return b.consumeUint32()
}

// pathRequest 发送只带一个路径参数的请求
func (s *Session) pathRequest(typ byte, op, path string) (*packet, error) {
	return s.roundTrip(op+"\x00"+path, func(id uint32) []byte {
		b := newMarshalBuffer(typ, id)
		b.appendString(path)
		return b.packetBytes()
	})
}

func (s *Session) handleRequest(typ byte, op, handle string) (*packet, error) {
	return s.roundTrip(op+"\x00"+handle, func(id uint32) []byte {
		b := newMarshalBuffer(typ, id)
		b.appendString(handle)
		return b.packetBytes()
	})
}

func (s *Session) opendir(path string) (string, error) {
	p, err := s.pathRequest(fxpOpendir, "opendir", path)
	if err != nil {
		return "", err
	}
	return decodeHandle(p)
}

func (s *Session) open(path string, pflags uint32, attrs *Attributes) (string, error) {
	key := fmt.Sprintf("open\x00%s\x00%d", path, pflags)
	p, err := s.roundTrip(key, func(id uint32) []byte {
		b := newMarshalBuffer(fxpOpen, id)
		b.appendString(path)
		b.appendUint32(pflags)
		attrs.marshal(b)
		return b.packetBytes()
	})
	if err != nil {
		return "", err
	}
	return decodeHandle(p)
}

func (s *Session) readdir(handle string) ([]Entry, error) {
	p, err := s.handleRequest(fxpReaddir, "readdir", handle)
	if err != nil {
		return nil, err
	}
	if p.typ != fxpName {
		return nil, unexpected(p, fxpName)
	}
	b := &buffer{b: p.payload}
	count, err := b.consumeUint32()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, count)
	for range count {
		var e Entry
		if e.Name, err = b.consumeString(); err != nil {
			return nil, err
		}
		if e.LongName, err = b.consumeString(); err != nil {
			return nil, err
		}
		if err = e.Attrs.unmarshal(b); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Session) close(handle string) (struct{}, error) {
	p, err := s.handleRequest(fxpClose, "close", handle)
	if err != nil {
		return struct{}{}, err
	}
	if p.typ != fxpStatus {
		return struct{}{}, unexpected(p, fxpStatus)
	}
	return struct{}{}, statusOf(p)
}

func (s *Session) stat(typ byte, op, path string) (*Attributes, error) {
	p, err := s.pathRequest(typ, op, path)
	if err != nil {
		return nil, err
	}
	return decodeAttrs(p)
}

func (s *Session) fstat(handle string) (*Attributes, error) {
	p, err := s.handleRequest(fxpFstat, "fstat", handle)
	if err != nil {
		return nil, err
	}
	return decodeAttrs(p)
}

func (s *Session) realpath(path string) (string, error) {
	p, err := s.pathRequest(fxpRealpath, "realpath", path)
	if err != nil {
		return "", err
	}
	if p.typ != fxpName {
		return "", unexpected(p, fxpName)
	}
	b := &buffer{b: p.payload}
	if _, err := b.consumeUint32(); err != nil {
		return "", err
	}
	return b.consumeString()
}

func (s *Session) read(handle string, offset int64, length uint32) ([]byte, error) {
	key := "read\x00" + handle + "\x00" + offsetKey(offset)
	p, err := s.roundTrip(key, func(id uint32) []byte {
		b := newMarshalBuffer(fxpRead, id)
		b.appendString(handle)
		b.appendUint64(uint64(offset))
		b.appendUint32(length)
		return b.packetBytes()
	})
	if err != nil {
		return nil, err
	}
	if p.typ != fxpData {
		return nil, unexpected(p, fxpData)
	}
	b := &buffer{b: p.payload}
	return b.consumeBytes()
}

func (s *Session) write(handle string, offset int64, data []byte) (int, error) {
	key := "write\x00" + handle + "\x00" + offsetKey(offset)
	p, err := s.roundTrip(key, func(id uint32) []byte {
		b := newMarshalBuffer(fxpWrite, id)
		b.appendString(handle)
		b.appendUint64(uint64(offset))
		b.appendBytes(data)
		return b.packetBytes()
	})
	if err != nil {
		return 0, err
	}
	if p.typ != fxpStatus {
		return 0, unexpected(p, fxpStatus)
	}
	if err := statusOf(p); err != nil {
		return 0, err
	}
	return len(data), nil
}

func offsetKey(offset int64) string {
	var b buffer
	b.appendUint64(uint64(offset))
	return string(b.b)
}

func decodeHandle(p *packet) (string, error) {
	if p.typ != fxpHandle {
		return "", unexpected(p, fxpHandle)
	}
	b := &buffer{b: p.payload}
	return b.consumeString()
}

func decodeAttrs(p *packet) (*Attributes, error) {
	if p.typ != fxpAttrs {
		return nil, unexpected(p, fxpAttrs)
	}
	a := &Attributes{}
	if err := a.unmarshal(&buffer{b: p.payload}); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Session) mkdir(path string, attrs *Attributes) (struct{}, error) {
	p, err := s.roundTrip("mkdir\x00"+path, func(id uint32) []byte {
		b := newMarshalBuffer(fxpMkdir, id)
		b.appendString(path)
		attrs.marshal(b)
		return b.packetBytes()
	})
	if err != nil {
		return struct{}{}, err
	}
	if p.typ != fxpStatus {
		return struct{}{}, unexpected(p, fxpStatus)
	}
	return struct{}{}, statusOf(p)
}
