// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tui

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTypewriter_RevealsGradually(t *testing.T) {
	var tw Typewriter
	tw.Track("m1", "Hi there!")

	assert.Equal(t, "", tw.Visible())
	assert.True(t, tw.Pending())

	assert.True(t, tw.Tick())
	assert.Equal(t, "H", tw.Visible())

	for tw.Tick() {
	}
	assert.Equal(t, "Hi there!", tw.Visible())
	assert.False(t, tw.Pending())
	assert.False(t, tw.Tick())
}

func TestTypewriter_SpeedsUpWhenBehind(t *testing.T) {
	tests := []struct {
		name   string
		length int
		step   int
	}{
		{name: "short", length: 10, step: 1},
		{name: "medium", length: 40, step: 2},
		{name: "long", length: 41, step: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tw Typewriter
			tw.Track("m1", strings.Repeat("a", tt.length))
			tw.Tick()
			assert.Len(t, tw.Visible(), tt.step)
		})
	}
}

func TestTypewriter_GrowingContentKeepsProgress(t *testing.T) {
	var tw Typewriter
	tw.Track("m1", "Hello")
	tw.Flush()

	tw.Track("m1", "Hello, world")
	assert.Equal(t, "Hello", tw.Visible())
	assert.True(t, tw.Pending())
}

func TestTypewriter_ReplacedContentRewinds(t *testing.T) {
	var tw Typewriter
	tw.Track("m1", "Hello world")
	tw.Flush()

	tw.Track("m1", "Help")
	assert.Equal(t, "Hel", tw.Visible())

	tw.Flush()
	assert.Equal(t, "Help", tw.Visible())
}

func TestTypewriter_NewMessageRestarts(t *testing.T) {
	var tw Typewriter
	tw.Track("m1", "first")
	tw.Flush()

	tw.Track("m2", "second")
	assert.Equal(t, "m2", tw.MessageID())
	assert.Equal(t, "", tw.Visible())
}

func TestTypewriter_CountsRunes(t *testing.T) {
	var tw Typewriter
	tw.Track("m1", "héllo")
	tw.Tick()
	tw.Tick()
	assert.Equal(t, "hé", tw.Visible())
}
