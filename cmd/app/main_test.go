package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCommands(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range getCommands() {
		assert.False(t, names[cmd.Name], "duplicate command %s", cmd.Name)
		names[cmd.Name] = true
		assert.NotNil(t, cmd.Action, cmd.Name)
	}

	for _, name := range []string{
		"db-migrate",
		"compliance-report",
		"protect-record",
		"unprotect-record",
		"init-keys",
		"key-info",
		"rotate-keys",
		"provision-context",
		"purge-retired-keys",
		"migrate-entity",
		"rollback-entity",
		"reencrypt-entity",
	} {
		assert.True(t, names[name], "missing command %s", name)
	}
}
