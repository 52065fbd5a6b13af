// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package tui

// Typewriter reveals a growing reply a few characters per tick so bursts of
// fragments read smoothly. The further it lags behind, the faster it types.
type Typewriter struct {
	msgID  string
	target []rune
	shown  int
}

// Track points the typewriter at the content of message msgID. A different
// message restarts from nothing; content that no longer extends what was
// shown rewinds to the common prefix.
func (t *Typewriter) Track(msgID, content string) {
	next := []rune(content)
	if msgID != t.msgID {
		t.msgID = msgID
		t.target = next
		t.shown = 0
		return
	}

	keep := 0
	for keep < t.shown && keep < len(next) && t.target[keep] == next[keep] {
		keep++
	}
	t.target = next
	t.shown = keep
}

// Tick reveals one to three more characters. It reports whether anything
// changed.
func (t *Typewriter) Tick() bool {
	behind := len(t.target) - t.shown
	if behind <= 0 {
		return false
	}
	step := 1
	switch {
	case behind > 40:
		step = 3
	case behind > 10:
		step = 2
	}
	t.shown = min(len(t.target), t.shown+step)
	return true
}

// Flush reveals everything.
func (t *Typewriter) Flush() {
	t.shown = len(t.target)
}

// Pending reports whether text is still hidden.
func (t *Typewriter) Pending() bool {
	return t.shown < len(t.target)
}

// MessageID returns the tracked message.
func (t *Typewriter) MessageID() string { return t.msgID }

// Visible returns the revealed text.
func (t *Typewriter) Visible() string {
	return string(t.target[:t.shown])
}
