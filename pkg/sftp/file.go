package sftp

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/iopump"
)

// DefaultCreateMode 创建文件且未指定权限时使用
const DefaultCreateMode os.FileMode = 0o644

// File 远程文件句柄, 记录协议句柄和调用方请求时的原始标志
type File struct {
	c      *Client
	ctx    context.Context
	handle string
	path   string
	flags  int
	offset int64
	closed bool
}

// toPflags 把 os.O_* 转成协议标志
func toPflags(flags int) uint32 {
	var v uint32
	switch flags & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_RDONLY:
		v |= fxfRead
	case os.O_WRONLY:
		v |= fxfWrite
		// 只写且非追加时总是截断
		if flags&os.O_APPEND == 0 {
			v |= fxfTrunc
		}
	case os.O_RDWR:
		v |= fxfRead | fxfWrite
	}
	if flags&os.O_APPEND != 0 {
		v |= fxfAppend
	}
	if flags&os.O_CREATE != 0 {
		v |= fxfCreat
	}
	if flags&os.O_TRUNC != 0 {
		v |= fxfTrunc
	}
	if flags&os.O_EXCL != 0 {
		v |= fxfExcl
	}
	return v
}

// OpenFile 按 os.O_* 打开远程文件。
// mode 只在 O_CREATE 时生效, 为 0 时使用 DefaultCreateMode。
func (c *Client) OpenFile(ctx context.Context, p string, flags int, mode os.FileMode) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = fixPath(p)
	pflags := toPflags(flags)
	attrs := &Attributes{}
	if flags&os.O_CREATE != 0 {
		if mode == 0 {
			mode = DefaultCreateMode
		}
		attrs.Flags = attrPermissions
		attrs.Permissions = uint32(mode.Perm())
	}
	handle, err := iopump.Do(ctx, c.pump, "open", func() (string, error) {
		return c.sess.open(p, pflags, attrs)
	})
	if err != nil {
		return nil, err
	}
	return &File{c: c, ctx: ctx, handle: handle, path: p, flags: flags}, nil
}

// Open 只读打开
func (c *Client) Open(ctx context.Context, p string) (*File, error) {
	return c.OpenFile(ctx, p, os.O_RDONLY, 0)
}

// Create 创建或截断文件
func (c *Client) Create(ctx context.Context, p string) (*File, error) {
	return c.OpenFile(ctx, p, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0)
}

// Flags 打开时请求的标志, 与传入 OpenFile 的值完全相同
func (f *File) Flags() int { return f.flags }

func (f *File) Name() string { return f.path }

func (f *File) context() context.Context {
	if f.ctx == nil {
		return context.Background()
	}
	return f.ctx
}

// ReadContext 从当前偏移读取, 文件结束返回 io.EOF
func (f *File) ReadContext(ctx context.Context, b []byte) (int, error) {
	if f.closed {
		return 0, errs.Wrap(errs.KindProtocol, "read", os.ErrClosed)
	}
	if len(b) == 0 {
		return 0, nil
	}
	c := f.c
	want := min(len(b), c.config.ChunkSize)
	c.mu.Lock()
	data, err := iopump.Do(ctx, c.pump, "read", func() ([]byte, error) {
		return c.sess.read(f.handle, f.offset, uint32(want))
	})
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	f.offset += int64(n)
	return n, nil
}

// WriteContext 写入全部数据, 按 ChunkSize 分成多个请求
func (f *File) WriteContext(ctx context.Context, b []byte) (int, error) {
	if f.closed {
		return 0, errs.Wrap(errs.KindProtocol, "write", os.ErrClosed)
	}
	c := f.c
	written := 0
	for len(b) > 0 {
		chunk := b[:min(len(b), c.config.ChunkSize)]
		c.mu.Lock()
		n, err := iopump.Do(ctx, c.pump, "write", func() (int, error) {
			return c.sess.write(f.handle, f.offset, chunk)
		})
		c.mu.Unlock()
		if err != nil {
			return written, err
		}
		f.offset += int64(n)
		written += n
		b = b[n:]
	}
	return written, nil
}

// Read 实现 io.Reader, 使用打开文件时的 context
func (f *File) Read(b []byte) (int, error) { return f.ReadContext(f.context(), b) }

// Write 实现 io.Writer
func (f *File) Write(b []byte) (int, error) { return f.WriteContext(f.context(), b) }

// Seek 只修改本地偏移, SeekEnd 需要一次 fstat
func (f *File) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		var st StatRecord
		if err := f.Fstat(f.context(), &st); err != nil {
			return f.offset, err
		}
		offset += st.Size
	default:
		return f.offset, errors.New("sftp: invalid whence")
	}
	if offset < 0 {
		return f.offset, errors.New("sftp: negative position")
	}
	f.offset = offset
	return offset, nil
}

// Fstat 获取已打开文件的属性
func (f *File) Fstat(ctx context.Context, dst *StatRecord) error {
	if f.closed {
		return errs.Wrap(errs.KindProtocol, "fstat", os.ErrClosed)
	}
	c := f.c
	c.mu.Lock()
	defer c.mu.Unlock()
	attrs, err := iopump.Do(ctx, c.pump, "fstat", func() (*Attributes, error) {
		return c.sess.fstat(f.handle)
	})
	if err != nil {
		return err
	}
	attrs.ApplyTo(dst)
	return nil
}

// Close 释放句柄, 重复调用返回错误
func (f *File) Close() error {
	if f.closed {
		return errs.Wrap(errs.KindProtocol, "close", os.ErrClosed)
	}
	f.closed = true
	return f.c.closeHandle(f.context(), "close", f.handle)
}
