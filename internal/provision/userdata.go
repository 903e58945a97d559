package provision

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/fleetci/spotrun/internal/config"
)

// LoadBootScript returns the boot script from the configured file when it
// exists, else from the inline value. Line endings are normalized to LF so
// the script survives the Windows runners the workflow may pass through.
// The second return is false when no script is configured.
func LoadBootScript(cfg config.Config) (string, bool) {
	if cfg.UserDataFile != "" {
		if data, err := os.ReadFile(cfg.UserDataFile); err == nil {
			script := NormalizeLineEndings(string(data))
			fmt.Fprintf(os.Stderr, "Using user data from file: %s (%d bytes, normalized)\n", cfg.UserDataFile, len(script))
			return script, true
		}
	}
	if cfg.UserData != "" {
		script := NormalizeLineEndings(cfg.UserData)
		fmt.Fprintf(os.Stderr, "Using user data from environment variable (%d bytes, normalized)\n", len(script))
		return script, true
	}
	fmt.Fprintln(os.Stderr, "No user data provided")
	return "", false
}

func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// EnsureShebang prepends the default interpreter when the script has none;
// ECS ignores user data without one.
func EnsureShebang(script string) string {
	if strings.HasPrefix(script, "#!") {
		return script
	}
	fmt.Fprintln(os.Stderr, "User data missing shebang; prepending #!/bin/bash")
	return "#!/bin/bash\n" + script
}

// EncodeBootScript wraps the script in base64 for transport through the
// creation call, keeping control characters out of logs and CLI arguments.
func EncodeBootScript(script string) string {
	return base64.StdEncoding.EncodeToString([]byte(script))
}
