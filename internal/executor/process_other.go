//go:build !unix

package executor

import "os/exec"

// setProcessGroup falls back to killing the direct child only
func setProcessGroup(cmd *exec.Cmd) {}
