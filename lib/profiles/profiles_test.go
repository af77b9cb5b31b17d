package profiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasAlpineAndCustom(t *testing.T) {
	table := Default()

	alpine, ok := table.Get("alpine")
	require.True(t, ok, "expected alpine profile")
	assert.False(t, alpine.InstallerOnly, "alpine must not be installer-only")

	custom, ok := table.Get(CustomProfileTag)
	require.True(t, ok, "expected custom profile")
	assert.True(t, custom.InstallerOnly, "custom profile must be installer-only")
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	table, err := Load("")
	require.NoError(t, err)
	_, ok := table.Get("alpine")
	assert.True(t, ok, "expected default table with alpine profile")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/profiles.yaml")
	assert.Error(t, err)
}
