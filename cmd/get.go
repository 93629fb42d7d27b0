package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-sftpfs/pkg/runner"
	"github.com/wentf9/xops-sftpfs/pkg/sftp"
)

func NewCmdGet() *cobra.Command {
	var concurrency int
	var quiet bool
	cmd := &cobra.Command{
		Use:   "get SOURCE... LOCAL",
		Short: "下载远程文件或目录",
		Long: `下载一个或多个远程文件/目录到本地。
多个来源时 LOCAL 必须是目录, 每个来源保存在以其主机命名的子目录下。

示例:
  sftpfs get web1:/etc/nginx/nginx.conf ./
  sftpfs get web1:/var/log/app.log web2:/var/log/app.log ./logs`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			sources, local := args[:len(args)-1], args[len(args)-1]
			single := len(sources) == 1
			if !single {
				if err := os.MkdirAll(local, 0755); err != nil {
					return fmt.Errorf("创建本地目录失败: %w", err)
				}
			}

			return runner.RunAll(cmd.Context(), sources, concurrency, func(ctx context.Context, src string) error {
				conn, p, err := a.connect(ctx, src)
				if err != nil {
					return fmt.Errorf("%s: %w", src, err)
				}
				dst := local
				if !single {
					dst = filepath.Join(local, conn.Descriptor().Host)
					if err := os.MkdirAll(dst, 0755); err != nil {
						return err
					}
				}
				var progress sftp.ProgressCallback
				if single && !quiet {
					progress = downloadBar(ctx, conn.SFTP(), p)
				}
				if err := conn.SFTP().Download(ctx, p, dst, progress); err != nil {
					return fmt.Errorf("%s: %w", src, err)
				}
				if !single {
					fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", src, dst)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 5, "并发数")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "不显示进度条")
	return cmd
}

func downloadBar(ctx context.Context, c *sftp.Client, remote string) sftp.ProgressCallback {
	var st sftp.StatRecord
	// 目录或无法获取大小时显示 spinner
	if err := c.Stat(ctx, remote, &st); err != nil || st.IsDir() {
		return sftp.NewProgressBar(os.Stderr, -1, "Downloading")
	}
	return sftp.NewProgressBar(os.Stderr, st.Size, "Downloading")
}
