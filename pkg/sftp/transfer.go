package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/utils/file"
)

// Upload 上传入口：支持文件或目录
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, progress ProgressCallback) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat local path failed: %w", err)
	}

	if info.IsDir() {
		return c.uploadDirectory(ctx, localPath, remotePath, progress)
	}
	// 检查远程路径是否是目录
	if c.isRemoteDir(ctx, remotePath) {
		remotePath = JoinPath(remotePath, filepath.Base(localPath))
	}
	return c.uploadFile(ctx, localPath, remotePath, info.Mode(), progress)
}

// Download 下载入口：支持文件或目录
func (c *Client) Download(ctx context.Context, remotePath, localPath string, progress ProgressCallback) error {
	var st StatRecord
	if err := c.Stat(ctx, remotePath, &st); err != nil {
		return fmt.Errorf("stat remote path failed: %w", err)
	}

	if st.IsDir() {
		return c.downloadDirectory(ctx, remotePath, localPath, progress)
	}

	if info, err := os.Stat(localPath); err == nil && info.IsDir() {
		localPath = filepath.Join(localPath, filepath.Base(remotePath))
	}
	return c.downloadFile(ctx, remotePath, localPath, st.FileMode().Perm(), progress)
}

func (c *Client) isRemoteDir(ctx context.Context, p string) bool {
	var st StatRecord
	return c.Stat(ctx, p, &st) == nil && st.IsDir()
}

// ================== 单文件 ==================
// 同一个连接上的请求是串行的, 这里不做分块并发

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string, mode os.FileMode, progress ProgressCallback) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := c.OpenFile(ctx, remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if err := c.streamTransfer(ctx, srcFile, dstFile, progress); err != nil {
		dstFile.Close()
		return fmt.Errorf("upload %s failed: %w", remotePath, err)
	}
	return dstFile.Close()
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, mode os.FileMode, progress ProgressCallback) (err error) {
	srcFile, err := c.Open(ctx, remotePath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	if mode == 0 {
		mode = DefaultCreateMode
	}
	dstFile, err := file.CreateRecursive(localPath, mode)
	if err != nil {
		return err
	}
	// 本地文件关闭失败 (例如磁盘已满) 也是下载失败
	defer closeFile(dstFile, localPath, &err)

	if err := c.streamTransfer(ctx, srcFile, dstFile, progress); err != nil {
		return fmt.Errorf("download %s failed: %w", remotePath, err)
	}
	return nil
}

// closeFile 关闭 f, 之前没有出错时把关闭的错误写入 err
func closeFile(f io.Closer, name string, err *error) {
	if cerr := f.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("close %s: %w", name, cerr)
	}
}

// streamTransfer 流式复制, 每个分块报告一次进度
func (c *Client) streamTransfer(ctx context.Context, r io.Reader, w io.Writer, progress ProgressCallback) error {
	buf := make([]byte, c.config.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindCancelled, "transfer", err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			if _, wErr := w.Write(buf[:n]); wErr != nil {
				return wErr
			}
			if progress != nil {
				progress(n)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ================== 目录递归 ==================

func (c *Client) uploadDirectory(ctx context.Context, localDir, remoteDir string, progress ProgressCallback) error {
	return filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		relPath, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}
		// filepath.ToSlash 用于处理 Windows 路径分隔符
		remoteDest := JoinPath(remoteDir, filepath.ToSlash(relPath))

		if info.IsDir() {
			// 目录已存在时忽略
			if c.isRemoteDir(ctx, remoteDest) {
				return nil
			}
			return c.Mkdir(ctx, remoteDest, info.Mode().Perm())
		}
		return c.uploadFile(ctx, path, remoteDest, info.Mode(), progress)
	})
}

func (c *Client) downloadDirectory(ctx context.Context, remoteDir, localDir string, progress ProgressCallback) error {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return err
	}
	// 先读完整个目录并释放句柄, 再递归, 避免同时占用多个句柄
	entries, err := c.ReadDir(ctx, remoteDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		remote := JoinPath(remoteDir, e.Name)
		local := filepath.Join(localDir, e.Name)
		st := e.Stat()
		switch {
		case st.IsDir():
			if err := c.downloadDirectory(ctx, remote, local, progress); err != nil {
				return err
			}
		case st.Mode&modeType == modeRegular || !e.Attrs.Has(attrPermissions):
			if err := c.downloadFile(ctx, remote, local, st.FileMode().Perm(), progress); err != nil {
				return err
			}
		}
	}
	return nil
}
