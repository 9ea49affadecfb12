// Package webvtt generates and parses the WebVTT subtitle track derived
// from a transcript's word timeline. The output format is part of the
// external contract and must stay byte-stable.
package webvtt

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/reflector-media/reflector/pkg/models"
)

// CueGap is the silence between consecutive words of the same speaker that
// forces a new cue.
const CueGap = 1.5

// Cue is one timestamped subtitle segment, grouped by speaker.
type Cue struct {
	Start   float64
	End     float64
	Speaker int
	Text    string
}

// Build renders the WebVTT document for a word timeline. Words must be
// sorted by start time. A new cue starts when the speaker changes or when
// the gap between successive words exceeds CueGap.
func Build(words []models.Word) string {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")
	for _, cue := range Cues(words) {
		b.WriteString(formatTimestamp(cue.Start))
		b.WriteString(" --> ")
		b.WriteString(formatTimestamp(cue.End))
		b.WriteString("\n")
		fmt.Fprintf(&b, "<v Speaker%d>%s\n\n", cue.Speaker, cue.Text)
	}
	return b.String()
}

// Cues groups consecutive words into speaker-attributed cues.
func Cues(words []models.Word) []Cue {
	var cues []Cue
	for _, w := range words {
		if n := len(cues); n > 0 {
			last := &cues[n-1]
			if last.Speaker == w.Speaker && w.Start-last.End <= CueGap {
				last.Text += " " + w.Text
				last.End = w.End
				continue
			}
		}
		cues = append(cues, Cue{Start: w.Start, End: w.End, Speaker: w.Speaker, Text: w.Text})
	}
	return cues
}

// Parse reads a WebVTT document produced by Build back into cues. It only
// understands the subset Build emits; anything else returns an error.
func Parse(doc string) ([]Cue, error) {
	sc := bufio.NewScanner(strings.NewReader(doc))
	if !sc.Scan() || sc.Text() != "WEBVTT" {
		return nil, fmt.Errorf("missing WEBVTT header")
	}

	var cues []Cue
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var cue Cue
		startStr, endStr, ok := strings.Cut(line, " --> ")
		if !ok {
			return nil, fmt.Errorf("malformed timestamp line %q", line)
		}
		var err error
		if cue.Start, err = parseTimestamp(startStr); err != nil {
			return nil, err
		}
		if cue.End, err = parseTimestamp(endStr); err != nil {
			return nil, err
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("cue at %s has no payload", startStr)
		}
		payload := sc.Text()
		if _, err := fmt.Sscanf(payload, "<v Speaker%d>", &cue.Speaker); err != nil {
			return nil, fmt.Errorf("malformed cue payload %q", payload)
		}
		_, text, ok := strings.Cut(payload, ">")
		if !ok {
			return nil, fmt.Errorf("malformed cue payload %q", payload)
		}
		cue.Text = text
		cues = append(cues, cue)
	}
	return cues, sc.Err()
}

// formatTimestamp renders seconds as HH:MM:SS.mmm.
func formatTimestamp(seconds float64) string {
	millis := int64(seconds*1000 + 0.5)
	h := millis / 3_600_000
	m := millis % 3_600_000 / 60_000
	s := millis % 60_000 / 1000
	ms := millis % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

func parseTimestamp(ts string) (float64, error) {
	var h, m, s, ms int64
	if _, err := fmt.Sscanf(ts, "%d:%d:%d.%d", &h, &m, &s, &ms); err != nil {
		return 0, fmt.Errorf("malformed timestamp %q: %w", ts, err)
	}
	return float64(h*3600+m*60+s) + float64(ms)/1000, nil
}
