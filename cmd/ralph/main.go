// Command ralph executes declarative factory pipelines of AI agent stages.
package main

import (
	"os"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
