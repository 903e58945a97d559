package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetci/spotrun/internal/cliexec"
	"github.com/fleetci/spotrun/internal/config"
	"github.com/fleetci/spotrun/internal/provision"
)

func newCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create a spot instance, retrying across candidates and disk categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCreate(cmd.Context(), cfg)
		},
	}
}

func runCreate(ctx context.Context, cfg config.Config) error {
	if err := cfg.ValidateCreate(); err != nil {
		return err
	}

	// The aliyun CLI reads credentials from its own variables; hand them to
	// child processes only, not our own environment.
	runner := cliexec.ExecRunner{ExtraEnv: []string{
		"ALIBABA_CLOUD_ACCESS_KEY_ID=" + cfg.AccessKeyID,
		"ALIBABA_CLOUD_ACCESS_KEY_SECRET=" + cfg.AccessKeySecret,
	}}

	if err := provision.VerifyCLI(ctx, runner); err != nil {
		return err
	}

	imageID, err := provision.ResolveImage(ctx, runner, cfg)
	if err != nil {
		return err
	}

	var userDataB64 string
	if script, ok := provision.LoadBootScript(cfg); ok {
		userDataB64 = provision.EncodeBootScript(provision.EnsureShebang(script))
	}

	fmt.Fprintln(os.Stderr, "=== Creating Spot Instance ===")
	fmt.Fprintf(os.Stderr, "Instance Name: %s\n", cfg.InstanceName)
	fmt.Fprintf(os.Stderr, "Region: %s\n", cfg.RegionID)
	fmt.Fprintf(os.Stderr, "Architecture: %s\n", cfg.Arch)
	fmt.Fprintf(os.Stderr, "VPC ID: %s\n", cfg.VPCID)
	fmt.Fprintf(os.Stderr, "Security Group ID: %s\n", cfg.SecurityGroupID)
	fmt.Fprintf(os.Stderr, "Image ID: %s\n", imageID)
	if cfg.KeyPairName != "" {
		fmt.Fprintf(os.Stderr, "Key Pair Name: %s\n", cfg.KeyPairName)
	}

	instanceID, err := provision.Provision(ctx, runner, cfg, imageID, userDataB64)
	if err != nil {
		return err
	}

	// The only stdout line: the created instance ID.
	fmt.Println(instanceID)
	return nil
}
