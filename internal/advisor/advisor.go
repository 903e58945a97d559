// Package advisor drives the spot-instance-advisor binary and normalizes
// its offers. The advisor has grown several JSON field spellings over time,
// so parsing goes through a single normalization step that produces a
// canonical Offer before any filtering happens.
package advisor

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"github.com/fleetci/spotrun/internal/cliexec"
	"github.com/fleetci/spotrun/internal/config"
)

// Offer is a normalized advisor result. Offers are immutable once parsed
// and arrive in the advisor's own order, which is already price-sorted.
type Offer struct {
	InstanceType string
	ZoneID       string
	PricePerCore float64
	CPUCores     int
	MemoryGB     int
}

// QueryParams are the bounds of one advisor invocation. Arch is the
// advisor's spelling (x86_64 or arm64), not ours.
type QueryParams struct {
	Region string
	MinCPU int
	MaxCPU int
	MinMem int
	MaxMem int
	Arch   string
}

// Client invokes the advisor binary through a Runner.
type Client struct {
	Binary          string
	AccessKeyID     string
	AccessKeySecret string
	Runner          cliexec.Runner
}

// ArchParam maps our architecture names to the advisor's.
func ArchParam(arch string) string {
	if arch == config.ArchAMD64 {
		return "x86_64"
	}
	return arch
}

// EnsureExecutable fails when the advisor binary is missing and marks it
// runnable when it is present but not executable.
func EnsureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return errors.Errorf("spot-instance-advisor binary not found: %s", path)
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(path, 0o755); err != nil {
			return errors.Wrapf(err, "marking %s executable", path)
		}
	}
	return nil
}

// Query runs one advisor invocation and returns the raw offer objects.
// A non-zero exit, empty output, or malformed JSON is an error the caller
// recovers from by moving to the next search strategy.
func (c *Client) Query(ctx context.Context, p QueryParams) ([]map[string]interface{}, error) {
	args := []string{
		"-accessKeyId=" + c.AccessKeyID,
		"-accessKeySecret=" + c.AccessKeySecret,
		"-region=" + p.Region,
		fmt.Sprintf("-mincpu=%d", p.MinCPU),
		fmt.Sprintf("-maxcpu=%d", p.MaxCPU),
		fmt.Sprintf("-minmem=%d", p.MinMem),
		fmt.Sprintf("-maxmem=%d", p.MaxMem),
		"-limit=5",
		"--json",
		"--arch=" + p.Arch,
	}
	ctx, cancel := context.WithTimeout(ctx, cliexec.LookupTimeout)
	defer cancel()

	code, out := c.Runner.Run(ctx, c.Binary, args...)
	if code != 0 {
		return nil, errors.Errorf("advisor exited with code %d", code)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, errors.New("advisor returned no output")
	}
	var raw []map[string]interface{}
	if err := sonic.UnmarshalString(out, &raw); err != nil {
		return nil, errors.Wrap(err, "parsing advisor output")
	}
	if len(raw) == 0 {
		return nil, errors.New("advisor returned no offers")
	}
	return raw, nil
}

var xlargeSuffix = regexp.MustCompile(`\.(\d+)xlarge$`)

// CoresFromType derives the core count from the size suffix of an instance
// type name, e.g. ecs.c7.2xlarge -> 8. Returns 0 for unrecognized suffixes.
func CoresFromType(instanceType string) int {
	if m := xlargeSuffix.FindStringSubmatch(instanceType); m != nil {
		n, _ := strconv.Atoi(m[1])
		return n * 4
	}
	switch {
	case strings.HasSuffix(instanceType, ".xlarge"):
		return 4
	case strings.HasSuffix(instanceType, ".large"), strings.HasSuffix(instanceType, ".medium"):
		return 2
	}
	return 0
}

// Normalize converts raw advisor objects into canonical Offers, dropping
// anything that misses required fields or falls below the minimum CPU and
// memory requirements. Drops are diagnosed on stderr.
func Normalize(raw []map[string]interface{}, minCPU, minMem int, arch string) []Offer {
	var offers []Offer
	for _, obj := range raw {
		instanceType, _ := fieldValue(obj, "instanceTypeId", "instance_type", "InstanceType")
		zoneID, _ := fieldValue(obj, "zoneId", "zone_id", "ZoneId")
		priceStr, _ := fieldValue(obj, "pricePerCore", "price_per_core", "PricePerCore", "price", "Price")
		if instanceType == "" || zoneID == "" || priceStr == "" {
			continue
		}

		cores := 0
		if s, ok := fieldValue(obj, "cpuCoreCount", "cpu_cores", "CpuCores", "cores", "Cores"); ok {
			cores, _ = strconv.Atoi(s)
		}
		if cores == 0 {
			cores = CoresFromType(instanceType)
		}
		if cores == 0 {
			fmt.Fprintf(os.Stderr, "Warning: could not determine CPU cores from instance type %s, skipping\n", instanceType)
			continue
		}

		memory := 0
		if s, ok := fieldValue(obj, "memorySize", "memory_size", "MemorySize", "memory", "Memory"); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				memory = int(f)
			}
		}
		if memory == 0 {
			memory = cores * config.MemoryRatio(arch)
		}

		if cores < minCPU || memory < minMem {
			fmt.Fprintf(os.Stderr, "Info: skipping instance %s (%dc%dg) - below minimum requirements (%dc%dg)\n",
				instanceType, cores, memory, minCPU, minMem)
			continue
		}

		price, err := strconv.ParseFloat(priceStr, 64)
		if err != nil {
			continue
		}

		offers = append(offers, Offer{
			InstanceType: instanceType,
			ZoneID:       zoneID,
			PricePerCore: price,
			CPUCores:     cores,
			MemoryGB:     memory,
		})
	}
	return offers
}

// fieldValue looks an offer field up under its historical key spellings and
// renders it as a string regardless of the JSON type it arrived as.
func fieldValue(obj map[string]interface{}, keys ...string) (string, bool) {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			return t, true
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64), true
		default:
			return fmt.Sprint(t), true
		}
	}
	return "", false
}
