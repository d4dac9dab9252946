package config

import (
	"fmt"
	"os"
	"strings"
)

const starterTemplate = `# Cascade project configuration
name = "{{name}}"

[settings]
max_parallel = 4
timeout_per_repo = "10m"   # Go duration or seconds
# run_timeout = "1h"
branch_prefix = "cascade/"
retry_on_test_fail = true
max_retries = 2
review_blocking = false     # true turns blocking review findings into failures
local_only = false          # never push or open pull requests
use_worktrees = false
# model = ""

[oracle]
binary = "cline"

[hosting]
token_env = "GITHUB_TOKEN"

[notifications]
desktop = false
# slack_webhook = "https://hooks.slack.com/services/..."

[general]
log_level = "info"

# [[repos]]
# name = "core-lib"
# path = "../core-lib"
# role = "source"
# language = "go"
# test_cmd = "go test ./..."
# github = "acme/core-lib"

# [[repos]]
# name = "api"
# path = "../api"
# language = "python"
# test_cmd = "pytest"
`

// StarterConfig returns the commented file written by cascade init
func StarterConfig(name string) string {
	if name == "" {
		name = "my-project"
	}
	return strings.ReplaceAll(starterTemplate, "{{name}}", name)
}

// WriteStarter writes a starter config to path and refuses to overwrite
func WriteStarter(path, name string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s already exists", path)
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(StarterConfig(name))
	return err
}
