// Package provision creates exactly one ECS spot instance, retrying across
// ranked candidates and system-disk categories until one creation call
// sticks or every combination is exhausted.
package provision

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/fleetci/spotrun/internal/candidate"
	"github.com/fleetci/spotrun/internal/cliexec"
	"github.com/fleetci/spotrun/internal/config"
)

// DiskCategories is the system-disk fallback order. Not every category is
// purchasable for every instance type/zone pair, so creation walks this
// list until one is accepted.
var DiskCategories = []string{"cloud_essd", "cloud_ssd", "cloud_efficiency"}

const (
	SpotStrategyPriceLimit = "SpotWithPriceLimit"
	SpotStrategyMarket     = "SpotAsPriceGo"
)

// Request holds the parameters of one RunInstances call.
type Request struct {
	RegionID        string
	ImageID         string
	InstanceType    string
	SecurityGroupID string
	VSwitchID       string
	InstanceName    string
	KeyPairName     string
	RAMRoleName     string
	SpotStrategy    string
	SpotPriceLimit  string
	UserDataB64     string
	DiskCategory    string
}

func (r Request) args() []string {
	args := []string{
		"ecs", "RunInstances",
		"--RegionId", r.RegionID,
		"--ImageId", r.ImageID,
		"--InstanceType", r.InstanceType,
		"--SecurityGroupId", r.SecurityGroupID,
		"--VSwitchId", r.VSwitchID,
		"--InstanceName", r.InstanceName,
		"--InstanceChargeType", "PostPaid",
		"--SystemDisk.Category", r.DiskCategory,
		"--SecurityEnhancementStrategy", "Deactive",
		"--Tag.1.Key", "GITHUB_RUNNER_TYPE",
		"--Tag.1.Value", "aliyun-ecs-spot",
	}
	if r.KeyPairName != "" {
		args = append(args, "--KeyPairName", r.KeyPairName)
	}
	if r.RAMRoleName != "" {
		args = append(args, "--RamRoleName", r.RAMRoleName)
	}
	if r.SpotStrategy == SpotStrategyPriceLimit && r.SpotPriceLimit != "" {
		args = append(args, "--SpotStrategy", SpotStrategyPriceLimit, "--SpotPriceLimit", r.SpotPriceLimit)
	} else {
		args = append(args, "--SpotStrategy", SpotStrategyMarket)
	}
	if r.UserDataB64 != "" {
		args = append(args, "--UserData", r.UserDataB64)
	}
	return args
}

// CreateInstance issues one creation call. The call is deliberately
// unbounded: it is the billable action and must not be cut short. When no
// disk category is set the supported one is detected first.
func CreateInstance(ctx context.Context, runner cliexec.Runner, req Request) (int, string) {
	if req.DiskCategory == "" {
		req.DiskCategory = DetectDiskCategory(ctx, runner, req.RegionID, req.InstanceType)
	}
	return runner.Run(ctx, "aliyun", req.args()...)
}

// VerifyCLI checks that the aliyun CLI is reachable before any billable
// call is made. The configure probe is advisory only.
func VerifyCLI(ctx context.Context, runner cliexec.Runner) error {
	vctx, cancel := context.WithTimeout(ctx, cliexec.LookupTimeout)
	defer cancel()
	if code, _ := runner.Run(vctx, "aliyun", "--version"); code != 0 {
		return errors.New("aliyun CLI is not installed or not in PATH")
	}

	cctx, cancel := context.WithTimeout(ctx, cliexec.LookupTimeout)
	defer cancel()
	if code, _ := runner.Run(cctx, "aliyun", "configure", "get"); code != 0 {
		fmt.Fprintln(os.Stderr, "Warning: aliyun CLI configuration check failed, continuing...")
	}
	return nil
}

var instanceIDPattern = regexp.MustCompile(`"InstanceId"\s*:\s*"([^"]+)"`)

// ExtractInstanceID pulls the new instance ID out of a creation response,
// first from the structured InstanceIdSets field, then by pattern match.
// Returns "" when no usable ID is present.
func ExtractInstanceID(response string) string {
	if node, err := sonic.Get([]byte(response), "InstanceIdSets", "InstanceIdSet", 0); err == nil {
		if id, err := node.String(); err == nil && id != "" && id != "null" {
			return id
		}
	}
	if m := instanceIDPattern.FindStringSubmatch(response); m != nil && m[1] != "null" {
		return m[1]
	}
	return ""
}

// DiskUnsupported reports whether a creation failure means the disk
// category is not available for this instance type/zone, in which case the
// next category in the priority list can be tried.
func DiskUnsupported(response string) bool {
	return strings.Contains(response, "InvalidSystemDiskCategory") ||
		strings.Contains(strings.ToLower(response), "not support")
}

// DetectDiskCategory queries which system-disk categories the instance type
// supports and returns the first one in priority order. Any query failure
// falls back to the first priority entry; the per-attempt fallback loop is
// authoritative either way.
func DetectDiskCategory(ctx context.Context, runner cliexec.Runner, region, instanceType string) string {
	dctx, cancel := context.WithTimeout(ctx, cliexec.LookupTimeout)
	defer cancel()

	code, out := runner.Run(dctx, "aliyun", "ecs", "DescribeAvailableResource",
		"--RegionId", region,
		"--InstanceType", instanceType,
		"--DestinationResource", "SystemDisk")
	if code != 0 {
		fmt.Fprintf(os.Stderr, "Warning: failed to query supported disk categories (exit code: %d)\n", code)
		return DiskCategories[0]
	}

	supported := supportedDiskCategories(out)
	for _, cat := range DiskCategories {
		if supported[cat] {
			fmt.Fprintf(os.Stderr, "Instance type %s supports disk category: %s\n", instanceType, cat)
			return cat
		}
	}
	return DiskCategories[0]
}

func supportedDiskCategories(response string) map[string]bool {
	supported := make(map[string]bool)
	node, err := sonic.Get([]byte(response),
		"AvailableZones", "AvailableZone", 0,
		"AvailableResources", "AvailableResource", 0,
		"SupportedResources", "SupportedResource")
	if err != nil {
		return supported
	}
	items, err := node.Array()
	if err != nil {
		return supported
	}
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := m["Value"].(string); ok && v != "" {
			supported[v] = true
		}
	}
	return supported
}

// Provision creates exactly one instance. A readable candidates file puts
// it in multi-attempt mode; otherwise the single configured instance
// type/VSwitch pair is tried. Returns the new instance ID.
func Provision(ctx context.Context, runner cliexec.Runner, cfg config.Config, imageID, userDataB64 string) (string, error) {
	if cfg.CandidatesFile != "" {
		if _, err := os.Stat(cfg.CandidatesFile); err == nil {
			cands, err := candidate.ParseFile(cfg.CandidatesFile)
			if err != nil {
				return "", err
			}
			return provisionFromCandidates(ctx, runner, cfg, imageID, userDataB64, cands)
		}
	}
	return provisionSingle(ctx, runner, cfg, imageID, userDataB64)
}

func (r Request) withCandidate(c candidate.Candidate) Request {
	r.InstanceType = c.InstanceType
	r.VSwitchID = c.VSwitchID
	r.SpotPriceLimit = c.PriceLimit
	r.SpotStrategy = SpotStrategyMarket
	if c.PriceLimit != "" {
		r.SpotStrategy = SpotStrategyPriceLimit
	}
	return r
}

func baseRequest(cfg config.Config, imageID, userDataB64 string) Request {
	return Request{
		RegionID:        cfg.RegionID,
		ImageID:         imageID,
		SecurityGroupID: cfg.SecurityGroupID,
		InstanceName:    cfg.InstanceName,
		KeyPairName:     cfg.KeyPairName,
		RAMRoleName:     cfg.RAMRoleName,
		UserDataB64:     userDataB64,
	}
}

func provisionFromCandidates(ctx context.Context, runner cliexec.Runner, cfg config.Config, imageID, userDataB64 string, cands []candidate.Candidate) (string, error) {
	fmt.Fprintf(os.Stderr, "Found %d candidate instances for retry\n", len(cands))

	base := baseRequest(cfg, imageID, userDataB64)
	for i, cand := range cands {
		attempt := i + 1
		if cand.VSwitchID == "" {
			fmt.Fprintf(os.Stderr, "Warning: VSwitch ID is empty for candidate %d, skipping\n", attempt)
			continue
		}
		fmt.Fprintf(os.Stderr, "Attempt %d/%d: trying instance type %s in zone %s\n",
			attempt, len(cands), cand.InstanceType, cand.ZoneID)

		id, response, ok := tryDiskCategories(ctx, runner, base.withCandidate(cand))
		if ok {
			fmt.Fprintf(os.Stderr, "Spot instance created on attempt %d (%s in %s, VSwitch %s)\n",
				attempt, cand.InstanceType, cand.ZoneID, cand.VSwitchID)
			return id, nil
		}
		fmt.Fprintf(os.Stderr, "Attempt %d failed: all disk categories failed\n", attempt)
		if response != "" {
			fmt.Fprintf(os.Stderr, "Response: %s\n", snippet(response, 500))
		}
	}
	return "", errors.Errorf("failed to create spot instance after %d attempts", len(cands))
}

func provisionSingle(ctx context.Context, runner cliexec.Runner, cfg config.Config, imageID, userDataB64 string) (string, error) {
	if cfg.InstanceType == "" {
		return "", errors.New("INSTANCE_TYPE is required")
	}
	if cfg.VSwitchID == "" {
		return "", errors.New("ALIYUN_VSWITCH_ID is required")
	}

	req := baseRequest(cfg, imageID, userDataB64)
	req.InstanceType = cfg.InstanceType
	req.VSwitchID = cfg.VSwitchID
	req.SpotPriceLimit = cfg.SpotPriceLimit
	req.SpotStrategy = SpotStrategyMarket
	if cfg.SpotPriceLimit != "" {
		req.SpotStrategy = SpotStrategyPriceLimit
	}

	id, response, ok := tryDiskCategories(ctx, runner, req)
	if ok {
		return id, nil
	}
	return "", errors.Errorf("failed to create spot instance with all disk categories, last error: %s", snippet(response, 500))
}

// tryDiskCategories walks the disk priority list for one candidate. An
// unsupported-category response advances to the next category; any other
// failure aborts the walk so the caller can move to the next candidate.
// Returns the instance ID and last response.
func tryDiskCategories(ctx context.Context, runner cliexec.Runner, req Request) (string, string, bool) {
	var last string
	for _, cat := range DiskCategories {
		fmt.Fprintf(os.Stderr, "Attempting to create instance with disk category: %s\n", cat)
		req.DiskCategory = cat

		code, response := CreateInstance(ctx, runner, req)
		last = response
		if code == 0 {
			if id := ExtractInstanceID(response); id != "" {
				fmt.Fprintf(os.Stderr, "Instance created successfully with disk category: %s\n", cat)
				return id, response, true
			}
			fmt.Fprintln(os.Stderr, "Failed to extract instance ID, trying next disk category...")
			continue
		}
		if DiskUnsupported(response) {
			fmt.Fprintf(os.Stderr, "Disk category %s not supported, trying next...\n", cat)
			continue
		}
		break
	}
	return "", last, false
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
