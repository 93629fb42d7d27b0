package sftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Shell 定义交互式 SFTP 环境
type Shell struct {
	client *Client
	cwd    string    // 远程当前目录
	stdin  io.Reader // 输入源
	stdout io.Writer // 输出源
	stderr io.Writer // 错误输出源
	// 进度条输出, 为 nil 时不显示
	progress io.Writer
}

// NewShell 创建一个新的交互式 Shell
func (c *Client) NewShell(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) *Shell {
	// 获取初始远程目录
	cwd, err := c.RealPath(ctx, ".")
	if err != nil {
		cwd = "/"
	}
	return &Shell{
		client:   c,
		cwd:      cwd,
		stdin:    stdin,
		stdout:   stdout,
		stderr:   stderr,
		progress: stderr,
	}
}

// SetProgressOutput 指定进度条的输出位置
func (s *Shell) SetProgressOutput(w io.Writer) { s.progress = w }

// Cwd 远程当前目录
func (s *Shell) Cwd() string { return s.cwd }

// Run 启动交互式循环 (REPL)
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	s.printPrompt()

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			s.printPrompt()
			continue
		}

		args := strings.Fields(line)
		cmd := args[0]
		params := args[1:]

		// 处理命令
		switch cmd {
		case "exit", "quit", "bye":
			return nil
		case "help", "?":
			s.printHelp()
		case "pwd":
			fmt.Fprintln(s.stdout, s.cwd)
		case "lpwd":
			wd, _ := os.Getwd()
			fmt.Fprintln(s.stdout, wd)
		case "ls", "ll":
			s.handleLs(ctx, params)
		case "lls":
			s.handleLocalLs(params)
		case "cd":
			s.handleCd(ctx, params)
		case "lcd":
			s.handleLocalCd(params)
		case "stat":
			s.handleStat(ctx, params)
		case "mkdir":
			s.handleMkdir(ctx, params)
		case "get":
			s.handleGet(ctx, params)
		case "put":
			s.handlePut(ctx, params)
		default:
			fmt.Fprintf(s.stderr, "未知命令: %s (输入 help 查看可用命令)\n", cmd)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.printPrompt()
	}
	return scanner.Err()
}

// ================= 命令处理逻辑 =================

func (s *Shell) printPrompt() {
	fmt.Fprintf(s.stdout, "sftp:%s> ", s.cwd)
}

func (s *Shell) resolvePath(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return JoinPath(s.cwd, p)
}

func (s *Shell) handleCd(ctx context.Context, args []string) {
	target := "/"
	if len(args) > 0 {
		target = args[0]
	}
	if err := s.Chdir(ctx, target); err != nil {
		fmt.Fprintf(s.stderr, "cd: %v\n", err)
	}
}

// Chdir 切换远程当前目录, 相对路径基于当前目录
func (s *Shell) Chdir(ctx context.Context, p string) error {
	target := s.resolvePath(p)
	var st StatRecord
	if err := s.client.Stat(ctx, target, &st); err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("'%s' 不是目录", target)
	}
	s.cwd = target
	return nil
}

func (s *Shell) handleLocalCd(args []string) {
	if len(args) == 0 {
		return
	}
	if err := os.Chdir(args[0]); err != nil {
		fmt.Fprintf(s.stderr, "lcd: %v\n", err)
	}
}

func (s *Shell) handleLs(ctx context.Context, args []string) {
	p := s.cwd
	if len(args) > 0 {
		p = s.resolvePath(args[0])
	}

	entries, err := s.client.ReadDir(ctx, p)
	if err != nil {
		fmt.Fprintf(s.stderr, "ls: %v\n", err)
		return
	}
	WriteEntries(s.stdout, entries)
}

// WriteEntries 以类似 ls -l 的格式输出目录项
func WriteEntries(w io.Writer, entries []Entry) {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		st := e.Stat()
		modTime := "-"
		if e.Attrs.Has(attrACModTime) {
			modTime = st.MTime.Format("Jan 02 15:04")
		}
		size := "-"
		if e.Attrs.Has(attrSize) {
			size = formatBytes(st.Size)
		}
		name := e.Name
		if st.IsDir() {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", st.FileMode(), size, modTime, name)
	}
	tw.Flush()
}

// WriteStat 输出一条属性记录
func WriteStat(w io.Writer, name string, st *StatRecord) {
	fmt.Fprintf(w, "  File: %s\n", name)
	fmt.Fprintf(w, "  Size: %d\n", st.Size)
	fmt.Fprintf(w, "  Mode: %s (%04o)\n", st.FileMode(), st.Mode&0o7777)
	fmt.Fprintf(w, "   Uid: %d  Gid: %d\n", st.UID, st.GID)
	fmt.Fprintf(w, "Access: %s\n", st.ATime.Format(time.RFC3339))
	fmt.Fprintf(w, "Modify: %s\n", st.MTime.Format(time.RFC3339))
}

func (s *Shell) handleLocalLs(args []string) {
	p := "."
	if len(args) > 0 {
		p = args[0]
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		fmt.Fprintf(s.stderr, "lls: %v\n", err)
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintln(s.stdout, name)
	}
}

func (s *Shell) handleStat(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: stat <路径>")
		return
	}
	p := s.resolvePath(args[0])
	var st StatRecord
	if err := s.client.Lstat(ctx, p, &st); err != nil {
		fmt.Fprintf(s.stderr, "stat: %v\n", err)
		return
	}
	WriteStat(s.stdout, p, &st)
}

func (s *Shell) handleMkdir(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: mkdir <路径>")
		return
	}
	if err := s.client.Mkdir(ctx, s.resolvePath(args[0]), 0o755); err != nil {
		fmt.Fprintf(s.stderr, "mkdir: %v\n", err)
	}
}

func (s *Shell) handleGet(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: get <远程文件> [本地路径]")
		return
	}
	remote := s.resolvePath(args[0])
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}

	fmt.Fprintf(s.stdout, "下载 %s -> %s\n", remote, local)

	err := s.client.Download(ctx, remote, local, s.downloadProgress(ctx, remote))
	if err != nil {
		fmt.Fprintf(s.stderr, "下载失败: %v\n", err)
	} else {
		fmt.Fprintln(s.stdout, "下载完成")
	}
}

func (s *Shell) handlePut(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.stderr, "用法: put <本地文件> [远程路径]")
		return
	}
	local := args[0]
	remote := s.cwd
	if len(args) > 1 {
		remote = s.resolvePath(args[1])
	}

	fmt.Fprintf(s.stdout, "上传 %s -> %s\n", local, remote)

	err := s.client.Upload(ctx, local, remote, s.uploadProgress(local))
	if err != nil {
		fmt.Fprintf(s.stderr, "上传失败: %v\n", err)
	} else {
		fmt.Fprintln(s.stdout, "上传完成")
	}
}

func (s *Shell) printHelp() {
	help := `
可用命令:
  cd <path>     切换远程目录
  lcd <path>    切换本地目录
  pwd           显示远程当前目录
  lpwd          显示本地当前目录
  ls [path]     列出远程文件
  lls [path]    列出本地文件
  stat <path>   显示远程文件属性
  get <remote> [local]  下载文件或目录
  put <local> [remote]  上传文件或目录
  mkdir <path>  创建远程目录
  exit/quit     退出
`
	fmt.Fprintln(s.stdout, help)
}

func (s *Shell) uploadProgress(local string) ProgressCallback {
	if s.progress == nil {
		return nil
	}
	// 计算本地文件大小以显示准确的进度条
	var totalSize int64
	filepath.Walk(local, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalSize += info.Size()
		}
		return nil
	})
	return NewProgressBar(s.progress, totalSize, "Uploading")
}

func (s *Shell) downloadProgress(ctx context.Context, remote string) ProgressCallback {
	if s.progress == nil {
		return nil
	}
	var st StatRecord
	// 目录或无法获取大小时使用无定量的进度条
	if err := s.client.Stat(ctx, remote, &st); err != nil || st.IsDir() {
		return NewProgressBar(s.progress, -1, "Downloading")
	}
	return NewProgressBar(s.progress, st.Size, "Downloading")
}

// NewProgressBar 返回驱动进度条的回调, total 为 -1 时显示 spinner
func NewProgressBar(w io.Writer, total int64, desc string) ProgressCallback {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(desc),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(10),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() { fmt.Fprint(w, "\n") }),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return func(n int) { bar.Add(n) }
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
