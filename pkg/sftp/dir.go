package sftp

import (
	"context"
	"errors"
	"io"
	"os"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/iopump"
)

// Dir 远程目录句柄, 由打开它的调用方独占, 必须 Close 一次
type Dir struct {
	c      *Client
	handle string
	path   string
	buf    []Entry
	eof    bool
	closed bool
}

// OpenDir 打开远程目录
func (c *Client) OpenDir(ctx context.Context, p string) (*Dir, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p = fixPath(p)
	handle, err := iopump.Do(ctx, c.pump, "opendir", func() (string, error) {
		return c.sess.opendir(p)
	})
	if err != nil {
		return nil, err
	}
	return &Dir{c: c, handle: handle, path: p}, nil
}

func (d *Dir) Path() string { return d.path }

// Next 返回下一个目录项。
// 读完时返回 ok=false 且 err=nil, 这是正常结束, 不是错误。
func (d *Dir) Next(ctx context.Context) (Entry, bool, error) {
	if d.closed {
		return Entry{}, false, errs.Wrap(errs.KindProtocol, "readdir", os.ErrClosed)
	}
	for len(d.buf) == 0 {
		if d.eof {
			return Entry{}, false, nil
		}
		if err := d.fill(ctx); err != nil {
			return Entry{}, false, err
		}
	}
	e := d.buf[0]
	d.buf = d.buf[1:]
	return e, true, nil
}

func (d *Dir) fill(ctx context.Context) error {
	c := d.c
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := iopump.Do(ctx, c.pump, "readdir", func() ([]Entry, error) {
		return c.sess.readdir(d.handle)
	})
	if errors.Is(err, io.EOF) || (err == nil && len(entries) == 0) {
		d.eof = true
		return nil
	}
	if err != nil {
		return err
	}
	d.buf = entries
	return nil
}

// ReadAll 读取剩余的全部目录项
func (d *Dir) ReadAll(ctx context.Context) ([]Entry, error) {
	var all []Entry
	for {
		e, ok, err := d.Next(ctx)
		if err != nil {
			return all, err
		}
		if !ok {
			return all, nil
		}
		all = append(all, e)
	}
}

// Close 释放句柄, 重复调用返回错误
func (d *Dir) Close(ctx context.Context) error {
	if d.closed {
		return errs.Wrap(errs.KindProtocol, "closedir", os.ErrClosed)
	}
	d.closed = true
	d.buf = nil
	return d.c.closeHandle(ctx, "closedir", d.handle)
}

// ReadDir 打开, 读完并关闭目录
func (c *Client) ReadDir(ctx context.Context, p string) ([]Entry, error) {
	d, err := c.OpenDir(ctx, p)
	if err != nil {
		return nil, err
	}
	entries, err := d.ReadAll(ctx)
	if cerr := d.Close(ctx); err == nil {
		err = cerr
	}
	return entries, err
}
