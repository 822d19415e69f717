package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_PopulatesRuntimeFields(t *testing.T) {
	info := Get()
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Contains(t, info.Platform, runtime.GOOS)
}

func TestString_DevBuild(t *testing.T) {
	old := Version
	Version = "dev"
	defer func() { Version = old }()

	assert.Contains(t, Get().String(), "ingestd dev")
}

func TestString_TaggedBuild(t *testing.T) {
	oldVersion, oldCommit := Version, CommitHash
	Version, CommitHash = "1.2.3", "abc123"
	defer func() { Version, CommitHash = oldVersion, oldCommit }()

	s := Get().String()
	assert.Contains(t, s, "1.2.3")
	assert.Contains(t, s, "abc123")
}
