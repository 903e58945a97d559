package provision

import (
	"context"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/fleetci/spotrun/internal/cliexec"
	"github.com/fleetci/spotrun/internal/config"
)

// ResolveImage picks the image for the new instance. An image family takes
// priority and resolves to its latest image; any lookup failure falls back
// to the directly configured image ID. The family must match the target
// architecture, e.g. acs:ubuntu_24_04_x64 for amd64.
func ResolveImage(ctx context.Context, runner cliexec.Runner, cfg config.Config) (string, error) {
	if cfg.ImageFamily != "" {
		fmt.Fprintf(os.Stderr, "Getting latest image from family: %s\n", cfg.ImageFamily)
		if id := imageFromFamily(ctx, runner, cfg.RegionID, cfg.ImageFamily); id != "" {
			return id, nil
		}
		fmt.Fprintf(os.Stderr, "Warning: failed to get image from family %s, falling back to ALIYUN_IMAGE_ID\n", cfg.ImageFamily)
	}
	if cfg.ImageID == "" {
		return "", errors.New("either ALIYUN_IMAGE_FAMILY or ALIYUN_IMAGE_ID must be set")
	}
	return cfg.ImageID, nil
}

func imageFromFamily(ctx context.Context, runner cliexec.Runner, region, family string) string {
	ctx, cancel := context.WithTimeout(ctx, cliexec.LookupTimeout)
	defer cancel()

	code, out := runner.Run(ctx, "aliyun", "ecs", "DescribeImageFromFamily",
		"--RegionId", region, "--ImageFamily", family)
	if code != 0 {
		fmt.Fprintf(os.Stderr, "Warning: failed to query image from family %s (exit code: %d)\n", family, code)
		return ""
	}

	node, err := sonic.Get([]byte(out), "Image", "ImageId")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to parse image response: %v\n", err)
		return ""
	}
	id, err := node.String()
	if err != nil || id == "" {
		return ""
	}
	fmt.Fprintf(os.Stderr, "Found latest image from family %s: %s\n", family, id)
	return id
}
