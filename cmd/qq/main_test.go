// SPDX-FileCopyrightText: 2025 The QQ Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	require.NotNil(t, rootCmd)
	assert.Equal(t, "qq", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Version)

	expected := []string{"submit", "run", "kill", "status", "info"}
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, names[name], "command %q not registered", name)
	}
}

func TestRunCommandHidden(t *testing.T) {
	for _, cmd := range rootCmd.Commands() {
		if cmd.Name() == "run" {
			assert.True(t, cmd.Hidden, "run should be hidden from regular help")
			return
		}
	}
	t.Fatal("run command not found")
}

func TestNewLogger(t *testing.T) {
	logger := newLogger()
	assert.NotNil(t, logger)
}
