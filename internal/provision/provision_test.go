package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fleetci/spotrun/internal/config"
)

type scripted struct {
	code int
	out  string
}

type fakeRunner struct {
	calls     [][]string
	responses []scripted
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (int, string) {
	f.calls = append(f.calls, append([]string{name}, args...))
	if len(f.responses) == 0 {
		return 1, "no scripted response"
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r.code, r.out
}

const (
	unsupportedResp = `{"Code":"InvalidSystemDiskCategory.ValueNotSupported","Message":"The specified disk category is not support"}`
	createdResp     = `{"RequestId":"x","InstanceIdSets":{"InstanceIdSet":["i-bp1abc123"]}}`
	quotaResp       = `{"Code":"QuotaExceed.ElasticQuota","Message":"The quota is exceeded"}`
)

func repeat(n int, r scripted) []scripted {
	out := make([]scripted, n)
	for i := range out {
		out[i] = r
	}
	return out
}

func provisionConfig(t *testing.T, records string) config.Config {
	t.Helper()
	cfg := config.Config{
		RegionID:        "cn-hangzhou",
		SecurityGroupID: "sg-1",
		InstanceName:    "runner-1",
	}
	if records != "" {
		path := filepath.Join(t.TempDir(), "candidates.txt")
		if err := os.WriteFile(path, []byte(records), 0o644); err != nil {
			t.Fatal(err)
		}
		cfg.CandidatesFile = path
	}
	return cfg
}

func TestExtractInstanceID(t *testing.T) {
	if got := ExtractInstanceID(createdResp); got != "i-bp1abc123" {
		t.Errorf("structured extraction = %q", got)
	}
	// Pattern fallback for responses that are not the RunInstances shape.
	if got := ExtractInstanceID(`created: "InstanceId": "i-bp1xyz"`); got != "i-bp1xyz" {
		t.Errorf("pattern extraction = %q", got)
	}
	if got := ExtractInstanceID(`{"InstanceIdSets":{"InstanceIdSet":["null"]}}`); got != "" {
		t.Errorf("null ID extracted as %q", got)
	}
	if got := ExtractInstanceID(`{"RequestId":"x"}`); got != "" {
		t.Errorf("extraction from ID-less response = %q", got)
	}
	if got := ExtractInstanceID("not json at all"); got != "" {
		t.Errorf("extraction from garbage = %q", got)
	}
}

func TestDiskUnsupported(t *testing.T) {
	if !DiskUnsupported(unsupportedResp) {
		t.Error("InvalidSystemDiskCategory response not detected")
	}
	if !DiskUnsupported("Error: this category is NOT SUPPORT in zone k") {
		t.Error("case-insensitive 'not support' not detected")
	}
	if DiskUnsupported(quotaResp) {
		t.Error("quota error misdetected as unsupported disk")
	}
}

func TestRequestArgs(t *testing.T) {
	req := Request{
		RegionID:        "cn-hangzhou",
		ImageID:         "m-123",
		InstanceType:    "ecs.c7.2xlarge",
		SecurityGroupID: "sg-1",
		VSwitchID:       "vsw-kkk",
		InstanceName:    "runner-1",
		KeyPairName:     "kp",
		RAMRoleName:     "self-destruct",
		SpotStrategy:    SpotStrategyPriceLimit,
		SpotPriceLimit:  "0.4800",
		UserDataB64:     "IyEvYmluL2Jhc2gK",
		DiskCategory:    "cloud_essd",
	}
	joined := strings.Join(req.args(), " ")

	for _, want := range []string{
		"ecs RunInstances",
		"--RegionId cn-hangzhou",
		"--ImageId m-123",
		"--InstanceType ecs.c7.2xlarge",
		"--SystemDisk.Category cloud_essd",
		"--InstanceChargeType PostPaid",
		"--SecurityEnhancementStrategy Deactive",
		"--Tag.1.Key GITHUB_RUNNER_TYPE",
		"--KeyPairName kp",
		"--RamRoleName self-destruct",
		"--SpotStrategy SpotWithPriceLimit --SpotPriceLimit 0.4800",
		"--UserData IyEvYmluL2Jhc2gK",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// Without a price limit the market strategy applies and the optional
	// arguments disappear.
	req.SpotStrategy = SpotStrategyMarket
	req.SpotPriceLimit = ""
	req.KeyPairName = ""
	req.UserDataB64 = ""
	joined = strings.Join(req.args(), " ")
	if !strings.Contains(joined, "--SpotStrategy SpotAsPriceGo") {
		t.Errorf("market strategy missing:\n%s", joined)
	}
	for _, absent := range []string{"--SpotPriceLimit", "--KeyPairName", "--UserData "} {
		if strings.Contains(joined, absent) {
			t.Errorf("args unexpectedly contain %q:\n%s", absent, joined)
		}
	}
}

func TestProvisionFallsThroughCandidates(t *testing.T) {
	records := "ecs.c7.2xlarge|cn-hangzhou-k|vsw-kkk|0.4800|8\n" +
		"ecs.g7.2xlarge|cn-hangzhou-h|vsw-hhh|0.5800|8\n" +
		"ecs.hfc7.2xlarge|cn-hangzhou-j|vsw-jjj|0.6800|8\n"
	cfg := provisionConfig(t, records)

	// Candidates 1 and 2 reject every disk category; candidate 3 succeeds
	// on the second one. 3+3+2 = 8 creation calls in total.
	runner := &fakeRunner{responses: append(
		repeat(7, scripted{1, unsupportedResp}),
		scripted{0, createdResp},
	)}

	id, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id != "i-bp1abc123" {
		t.Errorf("instance ID = %q", id)
	}
	if len(runner.calls) != 8 {
		t.Fatalf("made %d creation calls, want 8", len(runner.calls))
	}

	last := strings.Join(runner.calls[7], " ")
	if !strings.Contains(last, "--InstanceType ecs.hfc7.2xlarge") {
		t.Errorf("final call used wrong candidate: %s", last)
	}
	if !strings.Contains(last, "--SystemDisk.Category cloud_ssd") {
		t.Errorf("final call used wrong disk category: %s", last)
	}
}

func TestProvisionTerminalErrorAbortsCandidate(t *testing.T) {
	records := "ecs.c7.2xlarge|cn-hangzhou-k|vsw-kkk|0.4800|8\n" +
		"ecs.g7.2xlarge|cn-hangzhou-h|vsw-hhh|0.5800|8\n"
	cfg := provisionConfig(t, records)

	// A quota error is not the unsupported-disk pattern: the first
	// candidate's remaining categories must be skipped.
	runner := &fakeRunner{responses: []scripted{
		{1, quotaResp},
		{0, createdResp},
	}}

	id, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id != "i-bp1abc123" {
		t.Errorf("instance ID = %q", id)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("made %d creation calls, want 2", len(runner.calls))
	}
}

func TestProvisionNoIDAdvancesCategory(t *testing.T) {
	records := "ecs.c7.2xlarge|cn-hangzhou-k|vsw-kkk|0.4800|8\n"
	cfg := provisionConfig(t, records)

	// Exit 0 without a parseable ID is not a success; the next disk
	// category is tried.
	runner := &fakeRunner{responses: []scripted{
		{0, `{"RequestId":"x"}`},
		{0, createdResp},
	}}

	id, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id != "i-bp1abc123" || len(runner.calls) != 2 {
		t.Errorf("id = %q, calls = %d", id, len(runner.calls))
	}
}

func TestProvisionSkipsEmptyVSwitch(t *testing.T) {
	records := "ecs.c7.2xlarge|cn-hangzhou-k||0.4800|8\n" +
		"ecs.g7.2xlarge|cn-hangzhou-h|vsw-hhh|0.5800|8\n"
	cfg := provisionConfig(t, records)

	runner := &fakeRunner{responses: []scripted{{0, createdResp}}}

	id, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id != "i-bp1abc123" {
		t.Errorf("instance ID = %q", id)
	}
	if got := strings.Join(runner.calls[0], " "); !strings.Contains(got, "--VSwitchId vsw-hhh") {
		t.Errorf("call did not use the second candidate: %s", got)
	}
}

func TestProvisionExhaustion(t *testing.T) {
	records := "ecs.c7.2xlarge|cn-hangzhou-k|vsw-kkk|0.4800|8\n" +
		"ecs.g7.2xlarge|cn-hangzhou-h|vsw-hhh|0.5800|8\n"
	cfg := provisionConfig(t, records)
	runner := &fakeRunner{responses: repeat(6, scripted{1, unsupportedResp})}

	_, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Errorf("err = %v, want attempt count", err)
	}
	if len(runner.calls) != 6 {
		t.Errorf("made %d creation calls, want 6", len(runner.calls))
	}
}

func TestProvisionSingleMode(t *testing.T) {
	cfg := provisionConfig(t, "")
	cfg.InstanceType = "ecs.c7.2xlarge"
	cfg.VSwitchID = "vsw-kkk"
	cfg.SpotPriceLimit = "0.4800"

	runner := &fakeRunner{responses: []scripted{
		{1, unsupportedResp},
		{0, createdResp},
	}}

	id, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if id != "i-bp1abc123" || len(runner.calls) != 2 {
		t.Errorf("id = %q, calls = %d", id, len(runner.calls))
	}
	if got := strings.Join(runner.calls[0], " "); !strings.Contains(got, "--SpotStrategy SpotWithPriceLimit --SpotPriceLimit 0.4800") {
		t.Errorf("price limit strategy not applied: %s", got)
	}
}

func TestProvisionSingleModeExhaustion(t *testing.T) {
	cfg := provisionConfig(t, "")
	cfg.InstanceType = "ecs.c7.2xlarge"
	cfg.VSwitchID = "vsw-kkk"

	runner := &fakeRunner{responses: repeat(3, scripted{1, unsupportedResp})}

	_, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err == nil {
		t.Fatal("expected exhaustion error")
	}
	if !strings.Contains(err.Error(), "InvalidSystemDiskCategory") {
		t.Errorf("err = %v, want last response included", err)
	}
	if len(runner.calls) != 3 {
		t.Errorf("made %d creation calls, want 3", len(runner.calls))
	}
}

func TestProvisionSingleModeMissingParams(t *testing.T) {
	cfg := provisionConfig(t, "")
	runner := &fakeRunner{}

	if _, err := Provision(context.Background(), runner, cfg, "m-123", ""); err == nil || !strings.Contains(err.Error(), "INSTANCE_TYPE") {
		t.Errorf("err = %v, want INSTANCE_TYPE is required", err)
	}

	cfg.InstanceType = "ecs.c7.2xlarge"
	if _, err := Provision(context.Background(), runner, cfg, "m-123", ""); err == nil || !strings.Contains(err.Error(), "ALIYUN_VSWITCH_ID") {
		t.Errorf("err = %v, want ALIYUN_VSWITCH_ID is required", err)
	}
	if len(runner.calls) != 0 {
		t.Errorf("creation attempted despite missing parameters")
	}
}

func TestProvisionEmptyCandidatesFile(t *testing.T) {
	cfg := provisionConfig(t, "\n")
	runner := &fakeRunner{}

	_, err := Provision(context.Background(), runner, cfg, "m-123", "")
	if err == nil || !strings.Contains(err.Error(), "after 0 attempts") {
		t.Errorf("err = %v, want zero-attempt exhaustion", err)
	}
}

func TestDetectDiskCategory(t *testing.T) {
	resp := `{"AvailableZones":{"AvailableZone":[{"AvailableResources":{"AvailableResource":[
		{"SupportedResources":{"SupportedResource":[{"Value":"cloud_ssd"},{"Value":"cloud_efficiency"}]}}
	]}}]}}`
	runner := &fakeRunner{responses: []scripted{{0, resp}}}

	if got := DetectDiskCategory(context.Background(), runner, "cn-hangzhou", "ecs.c7.2xlarge"); got != "cloud_ssd" {
		t.Errorf("DetectDiskCategory = %q, want cloud_ssd", got)
	}
	if call := strings.Join(runner.calls[0], " "); !strings.Contains(call, "DescribeAvailableResource") {
		t.Errorf("unexpected call: %s", call)
	}
}

func TestDetectDiskCategoryFallsBack(t *testing.T) {
	runner := &fakeRunner{responses: []scripted{{1, "boom"}}}
	if got := DetectDiskCategory(context.Background(), runner, "cn-hangzhou", "ecs.c7.2xlarge"); got != "cloud_essd" {
		t.Errorf("DetectDiskCategory = %q, want cloud_essd default", got)
	}

	runner = &fakeRunner{responses: []scripted{{0, `{"AvailableZones":{}}`}}}
	if got := DetectDiskCategory(context.Background(), runner, "cn-hangzhou", "ecs.c7.2xlarge"); got != "cloud_essd" {
		t.Errorf("DetectDiskCategory on empty response = %q, want cloud_essd", got)
	}
}

func TestVerifyCLI(t *testing.T) {
	runner := &fakeRunner{responses: []scripted{{0, "aliyun 3.0"}, {0, "profile"}}}
	if err := VerifyCLI(context.Background(), runner); err != nil {
		t.Fatalf("VerifyCLI: %v", err)
	}

	runner = &fakeRunner{responses: []scripted{{1, "command not found"}}}
	if err := VerifyCLI(context.Background(), runner); err == nil {
		t.Error("expected error when the CLI is missing")
	}

	// A failing configure probe is advisory only.
	runner = &fakeRunner{responses: []scripted{{0, "aliyun 3.0"}, {1, "no profile"}}}
	if err := VerifyCLI(context.Background(), runner); err != nil {
		t.Errorf("VerifyCLI with failing configure probe: %v", err)
	}
}
