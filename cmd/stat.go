package cmd

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-sftpfs/pkg/runner"
	"github.com/wentf9/xops-sftpfs/pkg/sftp"
)

func NewCmdStat() *cobra.Command {
	var lstat bool
	cmd := &cobra.Command{
		Use:   "stat TARGET...",
		Short: "查看远程文件属性",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var mu sync.Mutex

			results := runner.RunParallel(args, 5, func(target string) error {
				conn, p, err := a.connect(ctx, target)
				if err != nil {
					return err
				}
				var st sftp.StatRecord
				if lstat {
					err = conn.Lstat(ctx, p, &st)
				} else {
					err = conn.Stat(ctx, p, &st)
				}
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				sftp.WriteStat(cmd.OutOrStdout(), target, &st)
				return nil
			})
			return collect(cmd, "stat", results)
		},
	}
	cmd.Flags().BoolVarP(&lstat, "lstat", "L", false, "不跟随符号链接")
	return cmd
}
