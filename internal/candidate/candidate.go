// Package candidate holds the pipe-delimited hand-off format between the
// selector and the provisioner:
//
//	INSTANCE_TYPE|ZONE_ID|VSWITCH_ID|SPOT_PRICE_LIMIT|CPU_CORES
//
// Fields 1-4 are required; the core count is optional. The selector writes
// the file once, the provisioner only reads it, and the calling workflow
// owns its lifetime.
package candidate

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Candidate struct {
	InstanceType string
	ZoneID       string
	VSwitchID    string
	PriceLimit   string // formatted to 4 decimals; "" means market price
	CPUCores     int    // 0 when the record omits the core count
}

func (c Candidate) record() string {
	cores := ""
	if c.CPUCores > 0 {
		cores = strconv.Itoa(c.CPUCores)
	}
	return strings.Join([]string{c.InstanceType, c.ZoneID, c.VSwitchID, c.PriceLimit, cores}, "|")
}

// WriteTemp persists candidates to a fresh temporary file, one record per
// line, and returns its path. Ownership of the file passes to the caller.
func WriteTemp(cands []Candidate) (string, error) {
	f, err := os.CreateTemp("", "spot-candidates-*.txt")
	if err != nil {
		return "", errors.Wrap(err, "creating candidates file")
	}
	for _, c := range cands {
		if _, err := f.WriteString(c.record() + "\n"); err != nil {
			f.Close()
			return "", errors.Wrap(err, "writing candidates file")
		}
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "closing candidates file")
	}
	return f.Name(), nil
}

// ParseFile reads a candidates file. Blank lines and records with fewer
// than four fields are skipped; a malformed core count leaves it at 0.
func ParseFile(path string) ([]Candidate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening candidates file")
	}
	defer f.Close()

	var cands []Candidate
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		c := Candidate{
			InstanceType: parts[0],
			ZoneID:       parts[1],
			VSwitchID:    parts[2],
			PriceLimit:   parts[3],
		}
		if len(parts) > 4 && parts[4] != "" {
			c.CPUCores, _ = strconv.Atoi(parts[4])
		}
		cands = append(cands, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading candidates file")
	}
	return cands, nil
}
