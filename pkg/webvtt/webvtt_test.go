package webvtt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reflector-media/reflector/pkg/models"
)

func TestBuildEmptyTimeline(t *testing.T) {
	assert.Equal(t, "WEBVTT\n\n", Build(nil))
}

func TestBuildSingleSpeaker(t *testing.T) {
	words := []models.Word{
		{Text: "Hello", Start: 0, End: 0.4, Speaker: 0},
		{Text: "world.", Start: 0.5, End: 0.9, Speaker: 0},
		{Text: "How", Start: 1.0, End: 1.2, Speaker: 0},
		{Text: "are", Start: 1.3, End: 1.4, Speaker: 0},
		{Text: "you", Start: 1.5, End: 1.6, Speaker: 0},
		{Text: "today?", Start: 1.7, End: 2.1, Speaker: 0},
	}
	want := "WEBVTT\n\n" +
		"00:00:00.000 --> 00:00:02.100\n" +
		"<v Speaker0>Hello world. How are you today?\n\n"
	assert.Equal(t, want, Build(words))
}

func TestBuildSpeakerChangeStartsNewCue(t *testing.T) {
	words := []models.Word{
		{Text: "hello", Start: 0, End: 0.5, Speaker: 0},
		{Text: "hi", Start: 2.0, End: 2.3, Speaker: 1},
	}
	got := Build(words)
	assert.Contains(t, got, "<v Speaker0>hello\n")
	assert.Contains(t, got, "<v Speaker1>hi\n")
	assert.Contains(t, got, "00:00:02.000 --> 00:00:02.300\n")
}

func TestBuildGapOverThresholdStartsNewCue(t *testing.T) {
	words := []models.Word{
		{Text: "one", Start: 0, End: 0.5, Speaker: 0},
		{Text: "two", Start: 2.1, End: 2.4, Speaker: 0}, // 1.6s gap > 1.5s
	}
	cues := Cues(words)
	require.Len(t, cues, 2)
	assert.Equal(t, "one", cues[0].Text)
	assert.Equal(t, "two", cues[1].Text)
}

func TestBuildGapAtThresholdStaysInCue(t *testing.T) {
	words := []models.Word{
		{Text: "one", Start: 0, End: 0.5, Speaker: 0},
		{Text: "two", Start: 2.0, End: 2.4, Speaker: 0}, // exactly 1.5s gap
	}
	cues := Cues(words)
	require.Len(t, cues, 1)
	assert.Equal(t, "one two", cues[0].Text)
}

// Round-trip property: parsing the generated document preserves the
// word-to-speaker assignment and the [min start, max end] coverage.
func TestRoundTrip(t *testing.T) {
	words := []models.Word{
		{Text: "alpha", Start: 0.25, End: 0.75, Speaker: 0},
		{Text: "beta", Start: 0.8, End: 1.2, Speaker: 0},
		{Text: "gamma", Start: 1.3, End: 1.9, Speaker: 1},
		{Text: "delta", Start: 4.0, End: 4.5, Speaker: 1},
		{Text: "epsilon", Start: 4.6, End: 5.0, Speaker: 0},
	}
	cues, err := Parse(Build(words))
	require.NoError(t, err)
	require.Len(t, cues, 4)

	assert.InDelta(t, 0.25, cues[0].Start, 0.001)
	assert.InDelta(t, 5.0, cues[len(cues)-1].End, 0.001)

	assert.Equal(t, 0, cues[0].Speaker)
	assert.Equal(t, "alpha beta", cues[0].Text)
	assert.Equal(t, 1, cues[1].Speaker)
	assert.Equal(t, "gamma", cues[1].Text)
	assert.Equal(t, 1, cues[2].Speaker)
	assert.Equal(t, "delta", cues[2].Text)
	assert.Equal(t, 0, cues[3].Speaker)
	assert.Equal(t, "epsilon", cues[3].Text)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not a vtt file")
	assert.Error(t, err)

	_, err = Parse("WEBVTT\n\nbroken line\npayload\n\n")
	assert.Error(t, err)
}

func TestFormatTimestamp(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00:00.000"},
		{1.5, "00:00:01.500"},
		{61.042, "00:01:01.042"},
		{3661.999, "01:01:01.999"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, formatTimestamp(tc.seconds))
	}
}
