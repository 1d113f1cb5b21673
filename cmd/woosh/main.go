package main

import (
	"fmt"
	"os"

	"github.com/layer-3/woosh/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	root := &cobra.Command{
		Use:           "woosh",
		Short:         "Ephemeral end-to-end encrypted chat server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(serveCmd(cfg), keygenCmd(cfg), tokenCmd(cfg))
	return root.Execute()
}
