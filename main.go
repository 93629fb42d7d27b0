package main

import "github.com/wentf9/xops-sftpfs/cmd"

func main() {
	cmd.Execute()
}
