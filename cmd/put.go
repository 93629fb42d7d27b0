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

func NewCmdPut() *cobra.Command {
	var concurrency int
	var quiet bool
	cmd := &cobra.Command{
		Use:   "put LOCAL... TARGET",
		Short: "上传本地文件或目录",
		Long: `上传一个或多个本地文件/目录到远程路径。
多个本地来源时按顺序通过同一个连接上传。

示例:
  sftpfs put ./app.tar.gz web1:/tmp/
  sftpfs put ./conf ./bin sftp://deploy@10.0.0.5/opt/app`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			sources, target := args[:len(args)-1], args[len(args)-1]
			for _, src := range sources {
				if _, err := os.Stat(src); err != nil {
					return err
				}
			}
			conn, p, err := a.connect(cmd.Context(), target)
			if err != nil {
				return err
			}
			if len(sources) > 1 {
				// 多个来源时目标必须是目录
				if err := conn.SFTP().Mkdir(cmd.Context(), p, 0755); err != nil {
					var st sftp.StatRecord
					if serr := conn.Stat(cmd.Context(), p, &st); serr != nil || !st.IsDir() {
						return err
					}
				}
			}

			// 连接上的请求是串行的, 并发只对不同连接有意义
			return runner.RunAll(cmd.Context(), sources, concurrency, func(ctx context.Context, src string) error {
				var progress sftp.ProgressCallback
				if !quiet {
					progress = uploadBar(src)
				}
				if err := conn.SFTP().Upload(ctx, src, p, progress); err != nil {
					return fmt.Errorf("%s: %w", src, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&concurrency, "concurrency", "c", 1, "并发数")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "不显示进度条")
	return cmd
}

func uploadBar(local string) sftp.ProgressCallback {
	var total int64
	filepath.Walk(local, func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return sftp.NewProgressBar(os.Stderr, total, "Uploading "+filepath.Base(local))
}
