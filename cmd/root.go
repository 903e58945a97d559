package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetci/spotrun/internal/config"
)

// cfg is populated once before any subcommand runs. The subcommands pass it
// by value into the core packages, which never touch the environment.
var cfg config.Config

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "spotrun",
		Short: "Provision Aliyun ECS spot instances for self-hosted CI runners",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.FromEnv()
			return err
		},
		SilenceUsage: true,
	}
	root.AddCommand(
		newSelectCmd(),
		newCreateCmd(),
		newWriteUserDataCmd(),
	)
	return root
}

func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
