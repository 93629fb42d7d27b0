package cmd

import (
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/runner"
	"github.com/wentf9/xops-sftpfs/pkg/sftp"
)

func NewCmdLs() *cobra.Command {
	var long bool
	var concurrency uint
	cmd := &cobra.Command{
		Use:   "ls TARGET...",
		Short: "列出远程目录",
		Long: `列出一个或多个远程目录的内容, 多个目标时并行连接。

示例:
  sftpfs ls web1:/var/log
  sftpfs ls -l sftp://alice@10.0.0.5:2222/home/alice db1:/data`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			// 输出按目标整体打印, 不交错
			var mu sync.Mutex

			results := runner.RunParallel(args, concurrency, func(target string) error {
				conn, p, err := a.connect(ctx, target)
				if err != nil {
					return err
				}
				entries, err := conn.ReadDir(ctx, p)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				if len(args) > 1 {
					fmt.Fprintf(out, "%s:\n", target)
				}
				if long {
					sftp.WriteEntries(out, entries)
				} else {
					for _, e := range entries {
						if e.Name == "." || e.Name == ".." {
							continue
						}
						fmt.Fprintln(out, e.Name)
					}
				}
				return nil
			})
			return collect(cmd, "ls", results)
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "显示详细信息")
	cmd.Flags().UintVarP(&concurrency, "concurrency", "c", 5, "并发连接数")
	return cmd
}

// collect 打印每个失败目标的错误, 有失败时返回汇总错误
func collect(cmd *cobra.Command, op string, results <-chan runner.Result[string]) error {
	failed := 0
	for r := range results {
		if r.Error != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s: %s\n", op, r.Item, errs.UserMessage(r.Error))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d 个目标执行失败", failed)
	}
	return nil
}
