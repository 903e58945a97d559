package config

import (
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	ArchAMD64 = "amd64"
	ArchARM64 = "arm64"
)

const vswitchVarPrefix = "ALIYUN_VSWITCH_ID_"

// Config carries every knob the selector and provisioner need. It is filled
// once from the environment at the process boundary and passed by value into
// the core logic, which never reads the environment itself.
type Config struct {
	AccessKeyID     string
	AccessKeySecret string
	RegionID        string
	VPCID           string
	SecurityGroupID string
	VSwitchID       string
	KeyPairName     string
	RAMRoleName     string

	Arch   string
	MinCPU int
	MaxCPU int
	MinMem int // 0 means derive from MinCPU and the architecture ratio
	MaxMem int // 0 means architecture default

	ImageFamily string
	ImageID     string

	InstanceType   string
	InstanceName   string
	UserDataFile   string
	UserData       string
	SpotPriceLimit string
	CandidatesFile string

	AdvisorBinary string

	// VSwitchByZone maps a zone's trailing letter (upper-cased) to the
	// VSwitch configured for that zone via ALIYUN_VSWITCH_ID_<letter>.
	VSwitchByZone map[string]string
}

// FromEnv builds the configuration from the process environment. Blank
// values count as unset: workflow_dispatch inputs arrive as empty strings.
func FromEnv() (Config, error) {
	cfg := Config{
		AccessKeyID:     envValue("ALIYUN_ACCESS_KEY_ID"),
		AccessKeySecret: envValue("ALIYUN_ACCESS_KEY_SECRET"),
		RegionID:        envValue("ALIYUN_REGION_ID"),
		VPCID:           envValue("ALIYUN_VPC_ID"),
		SecurityGroupID: envValue("ALIYUN_SECURITY_GROUP_ID"),
		VSwitchID:       envValue("ALIYUN_VSWITCH_ID"),
		KeyPairName:     envValue("ALIYUN_KEY_PAIR_NAME"),
		RAMRoleName:     envValue("ALIYUN_ECS_SELF_DESTRUCT_ROLE_NAME"),
		Arch:            envOr("ARCH", ArchAMD64),
		ImageFamily:     envValue("ALIYUN_IMAGE_FAMILY"),
		ImageID:         envValue("ALIYUN_IMAGE_ID"),
		InstanceType:    envValue("INSTANCE_TYPE"),
		InstanceName:    envValue("INSTANCE_NAME"),
		UserDataFile:    envValue("USER_DATA_FILE"),
		UserData:        os.Getenv("USER_DATA"),
		SpotPriceLimit:  envValue("SPOT_PRICE_LIMIT"),
		CandidatesFile:  envValue("CANDIDATES_FILE"),
		AdvisorBinary:   envOr("SPOT_ADVISOR_BINARY", "./spot-instance-advisor"),
		VSwitchByZone:   vswitchMap(os.Environ()),
	}

	var err error
	if cfg.MinCPU, err = envInt("MIN_CPU", 8); err != nil {
		return cfg, err
	}
	if cfg.MaxCPU, err = envInt("MAX_CPU", 64); err != nil {
		return cfg, err
	}
	if cfg.MinMem, err = envInt("MIN_MEM", 0); err != nil {
		return cfg, err
	}
	if cfg.MaxMem, err = envInt("MAX_MEM", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// MemoryRatio returns the default GB-per-core ratio for an architecture.
func MemoryRatio(arch string) int {
	if arch == ArchARM64 {
		return 2
	}
	return 1
}

var zoneSuffix = regexp.MustCompile(`-([a-z])$`)

// VSwitchForZone resolves a zone ID like cn-hangzhou-k to the VSwitch
// configured for zone letter K. Zones without a trailing letter, or with no
// VSwitch configured for it, resolve to "".
func (c Config) VSwitchForZone(zoneID string) string {
	m := zoneSuffix.FindStringSubmatch(zoneID)
	if m == nil {
		return ""
	}
	return c.VSwitchByZone[strings.ToUpper(m[1])]
}

// ValidateCredentials checks the variables every cloud interaction needs.
func (c Config) ValidateCredentials() error {
	return requireAll(
		pair{"ALIYUN_ACCESS_KEY_ID", c.AccessKeyID},
		pair{"ALIYUN_ACCESS_KEY_SECRET", c.AccessKeySecret},
		pair{"ALIYUN_REGION_ID", c.RegionID},
	)
}

// ValidateCreate checks everything the provisioner requires up front, before
// any external call is attempted.
func (c Config) ValidateCreate() error {
	if err := c.ValidateCredentials(); err != nil {
		return err
	}
	return requireAll(
		pair{"ALIYUN_VPC_ID", c.VPCID},
		pair{"ALIYUN_SECURITY_GROUP_ID", c.SecurityGroupID},
		pair{"INSTANCE_NAME", c.InstanceName},
	)
}

type pair struct {
	name, value string
}

func requireAll(pairs ...pair) error {
	for _, p := range pairs {
		if p.value == "" {
			return errors.Errorf("%s is required", p.name)
		}
	}
	return nil
}

func envValue(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envOr(name, fallback string) string {
	if v := envValue(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := envValue(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer, got: %q", name, v)
	}
	return n, nil
}

// vswitchMap collects the per-zone-letter VSwitch variables. Only a single
// upper-case letter after the prefix counts; longer suffixes are ignored.
func vswitchMap(environ []string) map[string]string {
	m := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, vswitchVarPrefix) {
			continue
		}
		letter := strings.TrimPrefix(name, vswitchVarPrefix)
		if len(letter) != 1 || letter[0] < 'A' || letter[0] > 'Z' {
			continue
		}
		if value = strings.TrimSpace(value); value != "" {
			m[letter] = value
		}
	}
	return m
}
