package webvtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"quoted with short acronym", `'discussion about API design'`, "Discussion About api Design"},
		{"double quoted", `"weekly sync"`, "Weekly Sync"},
		{"short non-leading words lowered", "the fox and THE dog", "The fox and the dog"},
		{"first word always capitalised", "on call review", "On Call Review"},
		{"extra whitespace collapsed", "  planning    meeting  ", "Planning Meeting"},
		{"empty", "", ""},
		{"only quotes", `""`, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CleanTitle(tc.raw))
		})
	}
}
