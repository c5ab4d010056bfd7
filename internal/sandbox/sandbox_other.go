//go:build !linux

package sandbox

import (
	"fmt"
	"os/exec"
	"runtime"
)

// applyProfile has no non-Linux implementation: planter's sandbox
// primitives are Linux namespace based. On other platforms "enforced"
// fails the spawn (per the Mode's own failure policy) and "permissive"
// degrades.
func applyProfile(cmd *exec.Cmd, p Profile) error {
	return fmt.Errorf("sandbox: no profile backend for GOOS=%s", runtime.GOOS)
}
