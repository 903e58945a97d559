package selector

import (
	"github.com/pkg/errors"

	"github.com/fleetci/spotrun/internal/advisor"
	"github.com/fleetci/spotrun/internal/config"
)

// Strategy is one advisor query attempt: a CPU floor and a memory target,
// either pinned exactly or widened to the full configured range. Strategies
// are tried in order and the first one yielding offers wins.
type Strategy struct {
	CPU    int
	Memory int
	Exact  bool
	Label  string
}

// Strategies returns the ordered query plan for an architecture.
//
// amd64 prefers a 1:1 CPU:memory shape, then 1:2, then bumps small requests
// up to 16 cores before falling back to a broad range query. arm64 machines
// only come in 1:2 shapes, so the plan is shorter.
func Strategies(arch string, minCPU, maxCPU int) []Strategy {
	if arch == config.ArchARM64 {
		return []Strategy{
			{CPU: minCPU, Memory: minCPU * 2, Exact: true, Label: "1:2"},
			{CPU: minCPU, Memory: maxCPU, Label: "range"},
		}
	}

	s := []Strategy{{CPU: minCPU, Memory: minCPU, Exact: true, Label: "1:1"}}
	if minCPU <= 32 {
		s = append(s, Strategy{CPU: minCPU, Memory: minCPU * 2, Exact: true, Label: "1:2"})
	}
	if minCPU < 16 {
		s = append(s,
			Strategy{CPU: 16, Memory: 16, Exact: true, Label: "1:1"},
			Strategy{CPU: 16, Memory: 32, Exact: true, Label: "1:2"},
		)
	}
	return append(s, Strategy{CPU: minCPU, Memory: maxCPU, Label: "range"})
}

// params expands a strategy into advisor query bounds. Exact strategies pin
// both dimensions; the range fallback spans the full configured window.
func (s Strategy) params(set Settings) advisor.QueryParams {
	p := advisor.QueryParams{
		Region: set.Region,
		Arch:   advisor.ArchParam(set.Arch),
	}
	if s.Exact {
		p.MinCPU, p.MaxCPU = s.CPU, s.CPU
		p.MinMem, p.MaxMem = s.Memory, s.Memory
		return p
	}
	p.MinCPU, p.MaxCPU = s.CPU, set.MaxCPU
	p.MinMem, p.MaxMem = set.MinMem, set.MaxMem
	return p
}

// Settings are the resolved selection bounds after defaults are applied.
type Settings struct {
	Region string
	Arch   string
	MinCPU int
	MaxCPU int
	MinMem int
	MaxMem int
}

// ResolveSettings applies the architecture-dependent defaults and validates
// the bounds. Memory defaults track the architecture ratio (amd64 1 GB/core,
// arm64 2 GB/core); the memory ceiling defaults to 64 GB on amd64 and 128 GB
// on arm64.
func ResolveSettings(cfg config.Config) (Settings, error) {
	if cfg.Arch != config.ArchAMD64 && cfg.Arch != config.ArchARM64 {
		return Settings{}, errors.Errorf("ARCH must be either %q or %q, got: %q",
			config.ArchAMD64, config.ArchARM64, cfg.Arch)
	}

	set := Settings{
		Region: cfg.RegionID,
		Arch:   cfg.Arch,
		MinCPU: cfg.MinCPU,
		MaxCPU: cfg.MaxCPU,
		MinMem: cfg.MinMem,
		MaxMem: cfg.MaxMem,
	}
	if set.MinMem == 0 {
		set.MinMem = set.MinCPU * config.MemoryRatio(cfg.Arch)
	}
	if set.MaxMem == 0 {
		set.MaxMem = 64
		if cfg.Arch == config.ArchARM64 {
			set.MaxMem = 128
		}
	}

	if set.MinCPU > set.MaxCPU {
		return Settings{}, errors.Errorf("MIN_CPU (%d) must be less than or equal to MAX_CPU (%d)", set.MinCPU, set.MaxCPU)
	}
	if set.MinMem > set.MaxMem {
		return Settings{}, errors.Errorf("MIN_MEM (%d) must be less than or equal to MAX_MEM (%d)", set.MinMem, set.MaxMem)
	}
	return set, nil
}
