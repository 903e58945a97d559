package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/fleetci/spotrun/internal/advisor"
	"github.com/fleetci/spotrun/internal/cliexec"
	"github.com/fleetci/spotrun/internal/config"
	"github.com/fleetci/spotrun/internal/selector"
)

// selectOptions override the environment-sourced config when set.
type selectOptions struct {
	Arch   string
	MinCPU int
	MaxCPU int
	MinMem int
	MaxMem int
}

func (o *selectOptions) AddFlags(flags *pflag.FlagSet) {
	flags.StringVar(&o.Arch, "arch", "", "Architecture: amd64 or arm64 (default from ARCH)")
	flags.IntVar(&o.MinCPU, "min-cpu", 0, "Minimum CPU cores (default from MIN_CPU, else 8)")
	flags.IntVar(&o.MaxCPU, "max-cpu", 0, "Maximum CPU cores (default from MAX_CPU, else 64)")
	flags.IntVar(&o.MinMem, "min-mem", 0, "Minimum memory GB (default: architecture ratio)")
	flags.IntVar(&o.MaxMem, "max-mem", 0, "Maximum memory GB (default: 64 amd64 / 128 arm64)")
}

func (o *selectOptions) apply(cfg config.Config) config.Config {
	if o.Arch != "" {
		cfg.Arch = o.Arch
	}
	if o.MinCPU > 0 {
		cfg.MinCPU = o.MinCPU
	}
	if o.MaxCPU > 0 {
		cfg.MaxCPU = o.MaxCPU
	}
	if o.MinMem > 0 {
		cfg.MinMem = o.MinMem
	}
	if o.MaxMem > 0 {
		cfg.MaxMem = o.MaxMem
	}
	return cfg
}

func newSelectCmd() *cobra.Command {
	opts := &selectOptions{}
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Pick the cheapest spot instance type meeting CPU/memory bounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd.Context(), opts.apply(cfg))
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func runSelect(ctx context.Context, cfg config.Config) error {
	if err := cfg.ValidateCredentials(); err != nil {
		return err
	}
	if err := advisor.EnsureExecutable(cfg.AdvisorBinary); err != nil {
		return err
	}

	client := &advisor.Client{
		Binary:          cfg.AdvisorBinary,
		AccessKeyID:     cfg.AccessKeyID,
		AccessKeySecret: cfg.AccessKeySecret,
		Runner:          cliexec.ExecRunner{},
	}

	res, err := selector.Select(ctx, cfg, client)
	if err != nil {
		return err
	}

	// Machine-parseable output for the calling workflow. Everything else
	// goes to stderr.
	p := res.Primary
	fmt.Printf("INSTANCE_TYPE=%s\n", p.InstanceType)
	fmt.Printf("ZONE_ID=%s\n", p.ZoneID)
	fmt.Printf("VSWITCH_ID=%s\n", p.VSwitchID)
	fmt.Printf("SPOT_PRICE_LIMIT=%s\n", p.PriceLimit)
	fmt.Printf("CPU_CORES=%d\n", p.CPUCores)
	fmt.Printf("CANDIDATES_FILE=%s\n", res.CandidatesFile)
	return nil
}
