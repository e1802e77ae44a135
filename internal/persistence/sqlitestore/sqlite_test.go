package sqlitestore

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index", "anchors.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestMissingBlobIsNotExist(t *testing.T) {
	s, _ := openTemp(t)
	_, err := s.ReadBytes("anchors.json")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
	rev, err := s.Revision("anchors.json")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rev)
}

func TestWriteReplacesAndCountsRevisions(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.EnsureDir("anything"))
	require.NoError(t, s.WriteBytesAtomically("anchors.json", []byte(`{"v":1}`)))
	require.NoError(t, s.WriteBytesAtomically("anchors.json", []byte(`{"v":2}`)))

	b, err := s.ReadBytes("anchors.json")
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(b))

	rev, err := s.Revision("anchors.json")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
}

func TestBlobsSurviveReopen(t *testing.T) {
	s, path := openTemp(t)
	require.NoError(t, s.WriteBytesAtomically("anchors.json", []byte("kept")))
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	b, err := s2.ReadBytes("anchors.json")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(b))
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
