package cmd

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func newWriteUserDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write-user-data <output-file>",
		Short: "Decode base64 user data and write it to a file",
		Long: `Decode a base64-encoded boot script from USER_DATA_B64 (or standard
input) and write it to the given file. The base64 transport keeps the script
out of workflow logs and avoids shell escaping issues.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeUserData(args[0], cmd.InOrStdin())
		},
	}
}

func writeUserData(path string, stdin io.Reader) error {
	payload := strings.TrimSpace(os.Getenv("USER_DATA_B64"))
	if payload == "" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return errors.Wrap(err, "reading user data from stdin")
		}
		payload = strings.TrimSpace(string(data))
	}
	if payload == "" {
		return errors.New("user data content is empty")
	}

	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errors.Wrap(err, "decoding base64 user data")
	}
	if err := os.WriteFile(path, decoded, 0o600); err != nil {
		return errors.Wrapf(err, "writing user data to %s", path)
	}

	fmt.Fprintf(os.Stderr, "User data file created: %s (%d bytes)\n", path, len(decoded))
	return nil
}
