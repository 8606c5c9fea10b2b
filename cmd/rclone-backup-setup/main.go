package main

import (
	"os"

	"github.com/imedwei/rclone-backup-setup/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
