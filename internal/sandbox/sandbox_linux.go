//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// applyProfile puts the executor in its own mount and UTS namespaces so its
// view of the filesystem and hostname can eventually be restricted to p's
// allowlist, following the golang.org/x/sys/unix namespace-flag idiom the
// rest of the retrieved dependency pack uses for container/VM isolation
// (github.com/cuemby/warren, github.com/sylabs/singularity).
//
// This does not itself bind-mount or chroot anything — that belongs to the
// pluggable profile compiler — it only establishes the namespace
// boundary every profile needs regardless of its content.
func applyProfile(cmd *exec.Cmd, p Profile) error {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags |= unix.CLONE_NEWNS | unix.CLONE_NEWUTS
	return nil
}
