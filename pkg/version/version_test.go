package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func reset() {
	Version, Commit, Date = devVersion, noCommit, unknownDate
}

//nolint:paralleltest // mutates package state
func TestApplyFillsUnsetFields(t *testing.T) {
	t.Cleanup(reset)
	reset()

	apply(&debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2024-06-01T10:00:00Z"},
		},
	})

	assert.Equal(t, "v1.4.0", Version)
	assert.Equal(t, "0123456789ab", Commit)
	assert.Equal(t, "2024-06-01T10:00:00Z", Date)
	assert.Equal(t, "lineage v1.4.0 (commit: 0123456789ab, built: 2024-06-01T10:00:00Z)", String())
}

//nolint:paralleltest // mutates package state
func TestApplyKeepsLinkerValues(t *testing.T) {
	t.Cleanup(reset)

	Version, Commit, Date = "v2.0.0", "abc", "today"

	apply(&debug.BuildInfo{
		Main:     debug.Module{Version: develModule},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}},
	})

	assert.Equal(t, "v2.0.0", Version)
	assert.Equal(t, "abc", Commit)
	assert.Equal(t, "today", Date)
}

//nolint:paralleltest // mutates package state
func TestApplyIgnoresDevelModule(t *testing.T) {
	t.Cleanup(reset)
	reset()

	apply(&debug.BuildInfo{Main: debug.Module{Version: develModule}})

	assert.Equal(t, devVersion, Version)
	assert.Equal(t, noCommit, Commit)
}
