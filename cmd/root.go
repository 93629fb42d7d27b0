package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/wentf9/xops-sftpfs/cmd/version"
	"github.com/wentf9/xops-sftpfs/pkg/errs"
	"github.com/wentf9/xops-sftpfs/pkg/logger"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sftpfs [command] [flags]",
	Short: "sftpfs 是一个通过 SFTP 浏览和传输远程文件的命令行工具",
	Long: `sftpfs 通过 SSH 连接远程主机的 sftp 子系统,
支持 agent、私钥、密码等多种认证方式的自动协商,
可以列目录、查看文件属性、上传下载文件或进入交互式 shell。

目标的写法:
  sftp://[user@]host[:port]/path
  节点名:path 或 [user@]host:path`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			version.PrintFullVersion(cmd.OutOrStdout())
			return
		}
		cmd.Help() // 显示帮助信息
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if debugFlag {
			logger.SetLogLevel("debug")
			fmt.Fprintln(os.Stderr, "调试模式已开启")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	// Ctrl-C 取消正在进行的连接和传输
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, "错误:", errs.UserMessage(err))
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "显示版本信息")
	rootCmd.PersistentFlags().Bool("debug", false, "开启调试模式")
	rootCmd.PersistentFlags().StringVar(&connOpts.ConfigPath, "config", "", "配置文件路径 (默认 $SFTPFS_CONFIG 或用户配置目录下的 sftpfs/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&connOpts.KeyFile, "identity", "i", "", "私钥文件路径")
	rootCmd.PersistentFlags().StringVar(&connOpts.AuthMethod, "auth", "", "认证方式: auto, agent, publickey, password")
	rootCmd.PersistentFlags().StringVarP(&connOpts.Jump, "jump", "J", "", "跳板机 (节点名或 [user@]host)")
	rootCmd.PersistentFlags().StringVar(&connOpts.Save, "save", "", "连接成功后以指定名称保存为节点")

	rootCmd.AddCommand(NewCmdLs(), NewCmdStat(), NewCmdGet(), NewCmdPut(), NewCmdFingerprint(), NewCmdShell(), NewCmdVersion())
}
