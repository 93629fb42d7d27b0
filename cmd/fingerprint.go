package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func NewCmdFingerprint() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fingerprint TARGET",
		Short: "显示主机密钥指纹和认证结果",
		Long: `连接目标并显示服务端主机密钥的 SHA256/MD5 指纹、
服务端支持的认证方式以及实际使用的认证方式。

示例:
  sftpfs fingerprint web1:
  sftpfs fingerprint sftp://10.0.0.5:2222`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			conn, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fp := conn.Fingerprint()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "Connection:\t%s\n", conn.Key())
			fmt.Fprintf(tw, "Host key:\t%s\n", fp.Type)
			fmt.Fprintf(tw, "SHA256:\t%s\n", fp.SHA256)
			fmt.Fprintf(tw, "MD5:\t%s\n", fp.MD5)
			fmt.Fprintf(tw, "Server methods (inferred):\t%s\n", conn.Capabilities())
			fmt.Fprintf(tw, "Authenticated by:\t%s\n", conn.AuthMethod())
			if failures := conn.AuthFailures(); len(failures) > 0 {
				tried := make([]string, 0, len(failures))
				for _, f := range failures {
					tried = append(tried, f.String())
				}
				fmt.Fprintf(tw, "Failed methods:\t%s\n", strings.Join(tried, ", "))
			}
			return tw.Flush()
		},
	}
	return cmd
}
