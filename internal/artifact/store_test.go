package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s := NewStore(Config{
		InputDir:  filepath.Join(root, "input"),
		StemsDir:  filepath.Join(root, "stems"),
		OutputDir: filepath.Join(root, "output"),
		LockFile:  filepath.Join(root, "stemsplit.lock"),
	})
	require.NoError(t, s.EnsureDirs())
	return s
}

func TestStore_EnsureDirsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDirs())

	for _, dir := range []string{s.InputDir(), s.StemsDir(), s.OutputDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestStore_SaveNamespacesUploads(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Save(strings.NewReader("one"), "song.mp3")
	require.NoError(t, err)
	second, err := s.Save(strings.NewReader("two"), "song.mp3")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, s.InputDir(), filepath.Dir(first))
	assert.True(t, strings.HasSuffix(first, "_song.mp3"))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStore_SaveRemovesPartialFile(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Save(failingReader{}, "song.mp3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	entries, err := os.ReadDir(s.InputDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStore_ExistsAndDelete(t *testing.T) {
	s := newTestStore(t)

	path, err := s.Save(strings.NewReader("data"), "a.wav")
	require.NoError(t, err)
	assert.True(t, s.Exists(path))
	assert.False(t, s.Exists(s.InputDir()), "directories are not artifacts")
	assert.False(t, s.Exists(""))

	require.NoError(t, s.Delete(path))
	assert.False(t, s.Exists(path))

	// Second delete races with nothing and still succeeds.
	require.NoError(t, s.Delete(path))
	require.NoError(t, s.Delete(""))
}

func TestStore_DeleteIfEmpty(t *testing.T) {
	s := newTestStore(t)
	dir := filepath.Join(s.StemsDir(), "job")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	keep := filepath.Join(dir, "unrelated.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	removed, err := s.DeleteIfEmpty(dir)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, s.Exists(keep))

	require.NoError(t, s.Delete(keep))
	removed, err = s.DeleteIfEmpty(dir)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	removed, err = s.DeleteIfEmpty(dir)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestStore_Lock(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Lock())
	t.Cleanup(func() { _ = s.Unlock() })

	other := NewStore(Config{LockFile: s.lock.Path()})
	err := other.Lock()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Unlock())
	require.NoError(t, other.Lock())
	require.NoError(t, other.Unlock())
}

func TestStore_LockDisabled(t *testing.T) {
	s := NewStore(Config{})
	assert.NoError(t, s.Lock())
	assert.NoError(t, s.Unlock())
}

func TestTrackDir(t *testing.T) {
	s := NewStore(Config{StemsDir: "/data/stems"})
	assert.Equal(t, filepath.Join("/data/stems", "abc_song"), s.TrackDir("/data/input/abc_song.mp3"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "song.mp3", want: "song.mp3"},
		{in: "My Song (live).wav", want: "My_Song_live.wav"},
		{in: "../../etc/passwd", want: "passwd"},
		{in: `C:\music\track.flac`, want: "track.flac"},
		{in: ".hidden.ogg", want: "hidden.ogg"},
		{in: "   ", want: ""},
		{in: "ñandú.m4a", want: "and.m4a"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}
