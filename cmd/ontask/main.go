// Command ontask is the command line interface of the OnTask data engine.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ontask/dataengine/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
