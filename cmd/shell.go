package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewCmdShell() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell TARGET",
		Short: "进入交互式 sftp shell",
		Long: `连接目标并进入交互式 sftp 环境, 初始目录为 TARGET 中的路径。
输入 help 查看可用命令, exit 退出。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			conn, p, err := a.connect(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "已连接到 %s\n", conn)
			sh := conn.SFTP().NewShell(ctx, os.Stdin, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if p != "." {
				if err := sh.Chdir(ctx, p); err != nil {
					return err
				}
			}
			return sh.Run(ctx)
		},
	}
	return cmd
}
