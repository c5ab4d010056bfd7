// Package sandbox builds the launch profile applied to each cell's
// executor process and its descendants.
//
// The sandbox profile compiler itself, abstracted as a pluggable
// SandboxProfileBuilder, is explicitly out of scope; what lives here is
// the Profile value object, the three failure-policy Modes, and the
// default Builder that assembles a
// Profile from a cell's paths, then a separate apply step wraps an
// exec.Cmd's SysProcAttr with it.
package sandbox

import (
	"os/exec"

	"github.com/ianremillard/planter/internal/ids"
)

// Mode controls failure policy when profile application fails. It does not change profile content.
type Mode string

const (
	Disabled   Mode = "disabled"
	Permissive Mode = "permissive"
	Enforced   Mode = "enforced"
)

// ParseMode validates a --sandbox-mode flag value.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case Disabled, Permissive, Enforced:
		return Mode(s), true
	default:
		return "", false
	}
}

// Profile parameterizes a single cell's sandbox: the cell's writable
// workspace, the daemon's state root (read-only except the cell's own
// subtree), the executor binary (read-only), a scratch temp directory
// (writable), and a curated allowlist of additional read-only paths the
// sandboxed process may need (e.g. a shell's standard library location).
type Profile struct {
	CellID          ids.CellId
	CellWorkspace   string
	StateRoot       string
	ExecutorBinary  string
	TempDir         string
	AllowlistRead   []string
}

// Builder composes a Profile for a cell. It is the pluggable
// SandboxProfileBuilder seam; the default implementation below is the
// only one shipped with planter; richer profile compilers are an external
// collaborator not built here.
type Builder interface {
	Build(profile Profile) (Profile, error)
}

// defaultBuilder returns its input unmodified: the "compiler" step is a
// pass-through until a real profile-generation backend is plugged in.
type defaultBuilder struct{}

func (defaultBuilder) Build(p Profile) (Profile, error) { return p, nil }

// DefaultBuilder is the zero-configuration Builder used when no other
// SandboxProfileBuilder is supplied.
var DefaultBuilder Builder = defaultBuilder{}

// Adapter wraps executor process launches with a cell's sandbox profile,
// enforcing the Mode's failure policy.
type Adapter struct {
	Mode    Mode
	Builder Builder
}

// NewAdapter returns an Adapter using DefaultBuilder.
func NewAdapter(mode Mode) *Adapter {
	return &Adapter{Mode: mode, Builder: DefaultBuilder}
}

// Prepare builds the profile for cellID and applies it to cmd's
// SysProcAttr before the caller forks it. Per-platform enforcement lives in
// sandbox_linux.go / sandbox_other.go.
//
// Returns degraded=true when running in permissive mode and the platform
// could not apply the profile; cmd then runs without it and the worker
// manager logs a warning. Retrying a failed spawn once with the sandbox
// disabled is done by the worker manager, not here.
func (a *Adapter) Prepare(cmd *exec.Cmd, p Profile) (degraded bool, err error) {
	p, err = a.Builder.Build(p)
	if err != nil {
		return false, err
	}
	switch a.Mode {
	case Disabled:
		return false, nil
	case Permissive:
		if err := applyProfile(cmd, p); err != nil {
			return true, nil
		}
		return false, nil
	case Enforced:
		if err := applyProfile(cmd, p); err != nil {
			return false, err
		}
		return false, nil
	default:
		return false, nil
	}
}
