package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aalmada/BookStore-sub002/cli/commands"
)

func TestVersionVariables(t *testing.T) {
	assert.Equal(t, "dev", version)
	assert.Equal(t, "none", commit)
	assert.Equal(t, "unknown", buildDate)
}

func TestVersionAssignment(t *testing.T) {
	origVersion, origCommit, origBuildDate := commands.Version, commands.Commit, commands.BuildDate
	t.Cleanup(func() {
		commands.Version, commands.Commit, commands.BuildDate = origVersion, origCommit, origBuildDate
	})

	commands.Version = "1.2.3"
	commands.Commit = "abc123"
	commands.BuildDate = "2026-10-19"

	assert.Equal(t, "1.2.3", commands.Version)
	assert.Equal(t, "abc123", commands.Commit)
	assert.Equal(t, "2026-10-19", commands.BuildDate)
}
