package main

import (
	"fmt"
	"os"

	"github.com/me/wdlharness/internal/cli"
)

func main() {
	err := cli.NewRootCmd().Execute()
	cli.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
