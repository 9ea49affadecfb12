package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStorePutGetRoundTrip(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "recordings/abc/0", strings.NewReader("track-zero")))

	rc, err := s.Get(ctx, "recordings/abc/0")
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "track-zero", string(data))
}

func TestFSStorePutOverwrites(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("one")))
	require.NoError(t, s.Put(ctx, "k", strings.NewReader("two")))

	rc, err := s.Get(ctx, "k")
	require.NoError(t, err)
	defer rc.Close() //nolint:errcheck
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "two", string(data))
}

func TestFSStoreGetMissing(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", strings.NewReader("v")))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))
}

func TestFSStoreDeletePrefix(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "rec/1/padded/0.opus", strings.NewReader("a")))
	require.NoError(t, s.Put(ctx, "rec/1/padded/1.opus", strings.NewReader("b")))
	require.NoError(t, s.Put(ctx, "rec/2/padded/0.opus", strings.NewReader("c")))

	require.NoError(t, s.DeletePrefix(ctx, "rec/1"))

	_, err = s.Get(ctx, "rec/1/padded/0.opus")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "rec/2/padded/0.opus")
	assert.NoError(t, err)
}

func TestFSStorePresign(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "audio.mp3", strings.NewReader("mp3")))
	u, err := s.Presign(ctx, "audio.mp3", 0)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "file://"), u)

	_, err = s.Presign(ctx, "missing", 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	s, err := NewFSStore(t.TempDir())
	require.NoError(t, err)

	err = s.Put(context.Background(), "../outside", strings.NewReader("x"))
	assert.Error(t, err)
}
