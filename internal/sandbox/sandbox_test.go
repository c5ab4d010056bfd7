package sandbox

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/planter/internal/ids"
)

func TestParseMode(t *testing.T) {
	for _, s := range []string{"disabled", "permissive", "enforced"} {
		m, ok := ParseMode(s)
		assert.True(t, ok)
		assert.Equal(t, Mode(s), m)
	}
	_, ok := ParseMode("bogus")
	assert.False(t, ok)
}

func TestAdapterDisabledNeverTouchesSysProcAttr(t *testing.T) {
	a := NewAdapter(Disabled)
	cmd := exec.Command("true")
	degraded, err := a.Prepare(cmd, Profile{CellID: ids.NewCellId()})
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Nil(t, cmd.SysProcAttr)
}

func TestDefaultBuilderPassesProfileThrough(t *testing.T) {
	p := Profile{CellWorkspace: "/tmp/cell-1"}
	out, err := DefaultBuilder.Build(p)
	require.NoError(t, err)
	assert.Equal(t, p, out)
}
