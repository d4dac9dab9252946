//go:build integration

package integration

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/hochfrequenz/cascade/internal/testutil"
)

// fakeCline stands in for the cline binary. Read-only calls (--json) answer
// discover and review prompts; writing calls (-y) rename OldName to NewName
// in api.go, and a fix prompt creates the file "fixed".
const fakeCline = `#!/bin/sh
for prompt; do :; done
case "$1" in
--json)
	case "$prompt" in
	*VERDICT*)
		cat >/dev/null
		echo '{"type":"say","say":"text","text":"Rename looks complete.\nVERDICT: approve"}'
		;;
	*)
		echo 'The constant in ` + "`api.go`" + ` must be renamed (high).'
		;;
	esac
	;;
-y)
	case "$prompt" in
	*"are failing"*)
		echo fixed > fixed
		;;
	*)
		printf 'package api\n\nconst NewName = 1\n' > api.go
		;;
	esac
	echo "done"
	;;
esac
`

// requireTools skips the test when git or sh are unavailable
func requireTools(t *testing.T) {
	t.Helper()
	for _, tool := range []string{"git", "sh"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available: %v", tool, err)
		}
	}
}

// writeFakeCline writes the fake oracle script and returns its path
func writeFakeCline(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cline")
	if err := os.WriteFile(path, []byte(fakeCline), 0755); err != nil {
		t.Fatalf("Failed to write fake cline: %v", err)
	}
	return path
}

// setupAPIRepo creates a git repo with an api.go declaring OldName
func setupAPIRepo(t *testing.T) string {
	t.Helper()
	return testutil.SetupTestRepoWithContent(t, map[string]string{
		"api.go": "package api\n\nconst OldName = 1\n",
	})
}

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cascade.db")
}
