// Package selector finds the cheapest spot instance type meeting the
// configured CPU/memory bounds and emits a ranked, retry-ready candidate
// list for the provisioner.
package selector

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"github.com/fleetci/spotrun/internal/advisor"
	"github.com/fleetci/spotrun/internal/candidate"
	"github.com/fleetci/spotrun/internal/config"
)

// priceMargin is the safety factor applied on top of the advisor's total
// price when computing the spot price ceiling.
const priceMargin = 1.2

// maxCandidates caps how many fallback options are persisted for the
// provisioner.
const maxCandidates = 5

// PriceCeiling computes the authorized spot price limit for an offer:
// price-per-core x cores x safety margin, formatted to 4 decimals.
func PriceCeiling(pricePerCore float64, cores int) string {
	return fmt.Sprintf("%.4f", pricePerCore*float64(cores)*priceMargin)
}

// Result is a completed selection: the primary candidate, the full ranked
// list, and the file it was persisted to.
type Result struct {
	Primary        candidate.Candidate
	Candidates     []candidate.Candidate
	CandidatesFile string
}

// Select runs the strategy plan against the advisor, filters and enriches
// the offers, and persists up to five subnet-resolvable candidates. The
// first candidate in advisor order with a configured VSwitch is primary.
func Select(ctx context.Context, cfg config.Config, client *advisor.Client) (Result, error) {
	set, err := ResolveSettings(cfg)
	if err != nil {
		return Result{}, err
	}

	fmt.Fprintf(os.Stderr, "Querying spot instances for architecture: %s\n", set.Arch)
	fmt.Fprintf(os.Stderr, "Region: %s\n", set.Region)
	fmt.Fprintf(os.Stderr, "Starting with minimum requirements: %dc%dg\n", set.MinCPU, set.MinMem)

	start := time.Now()
	raw, err := runStrategies(ctx, client, set)
	if err != nil {
		return Result{}, err
	}
	fmt.Fprintf(os.Stderr, "Query completed in %.2f seconds\n", time.Since(start).Seconds())

	offers := advisor.Normalize(raw, set.MinCPU, set.MinMem, set.Arch)
	if len(offers) == 0 {
		return Result{}, errors.Errorf("no instances found matching minimum requirements (%dc%dg)", set.MinCPU, set.MinMem)
	}

	cands := buildCandidates(offers, cfg)
	if len(cands) == 0 {
		return Result{}, errors.New("no instances found with VSwitch ID configured; ensure VSwitch IDs are configured for at least one zone")
	}

	path, err := candidate.WriteTemp(cands)
	if err != nil {
		return Result{}, err
	}

	res := Result{Primary: cands[0], Candidates: cands, CandidatesFile: path}
	printSummary(res)
	return res, nil
}

// runStrategies walks the query plan in order and returns the first
// non-empty advisor result. Failures are recoverable until the plan is
// exhausted.
func runStrategies(ctx context.Context, client *advisor.Client, set Settings) ([]map[string]interface{}, error) {
	for i, strat := range Strategies(set.Arch, set.MinCPU, set.MaxCPU) {
		attempt := i + 1
		if strat.Exact {
			fmt.Fprintf(os.Stderr, "Attempt %d: exact match (%dc%dg, %s)\n", attempt, strat.CPU, strat.Memory, strat.Label)
		} else {
			fmt.Fprintf(os.Stderr, "Attempt %d: range query (%d-%dc, %d-%dg)\n", attempt, strat.CPU, set.MaxCPU, set.MinMem, set.MaxMem)
		}

		raw, err := client.Query(ctx, strat.params(set))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: query failed: %v\n", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "Success: found results with strategy %d (%dc%dg)\n", attempt, strat.CPU, strat.Memory)
		return raw, nil
	}
	return nil, errors.New("all query strategies failed: no spot instances found matching the criteria")
}

// buildCandidates keeps offers whose zone has a configured VSwitch, in
// advisor order, each with its computed price ceiling.
func buildCandidates(offers []advisor.Offer, cfg config.Config) []candidate.Candidate {
	var cands []candidate.Candidate
	for _, offer := range offers {
		vswitch := cfg.VSwitchForZone(offer.ZoneID)
		if vswitch == "" {
			continue
		}
		cands = append(cands, candidate.Candidate{
			InstanceType: offer.InstanceType,
			ZoneID:       offer.ZoneID,
			VSwitchID:    vswitch,
			PriceLimit:   PriceCeiling(offer.PricePerCore, offer.CPUCores),
			CPUCores:     offer.CPUCores,
		})
		if len(cands) == maxCandidates {
			break
		}
	}
	return cands
}

func printSummary(res Result) {
	p := res.Primary
	fmt.Fprintln(os.Stderr, "Selected instance (primary):")
	fmt.Fprintf(os.Stderr, "  Type: %s\n", p.InstanceType)
	fmt.Fprintf(os.Stderr, "  Zone: %s\n", p.ZoneID)
	fmt.Fprintf(os.Stderr, "  VSwitch: %s\n", p.VSwitchID)
	fmt.Fprintf(os.Stderr, "  CPU Cores: %d\n", p.CPUCores)
	fmt.Fprintf(os.Stderr, "  Spot price limit: %s\n", p.PriceLimit)
	fmt.Fprintf(os.Stderr, "  Candidates available: %d\n", len(res.Candidates))

	t := table.NewWriter()
	t.SetOutputMirror(os.Stderr)
	t.AppendHeader(table.Row{"#", "Instance Type", "Zone", "VSwitch", "Price Limit", "Cores"})
	for i, c := range res.Candidates {
		t.AppendRow(table.Row{i + 1, c.InstanceType, c.ZoneID, c.VSwitchID, c.PriceLimit, c.CPUCores})
	}
	t.SetStyle(table.StyleLight)
	t.Render()
}
