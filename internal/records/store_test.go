package records

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/persistence/fsstore"
	"anchorkeep.ai/internal/persistence/sqlitestore"
)

type memStorage struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	readErr  error
	writeErr error
}

func newMemStorage() *memStorage { return &memStorage{blobs: map[string][]byte{}} }

func (m *memStorage) ReadBytes(path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	b, ok := m.blobs[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), b...), nil
}

func (m *memStorage) WriteBytesAtomically(path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.blobs[path] = append([]byte(nil), data...)
	return nil
}

func (m *memStorage) EnsureDir(string) error { return nil }

func sampleRecords() []anchor.Record {
	return []anchor.Record{
		{Name: "Bob", Identity: anchor.StableID("Bob"), PartitionID: "overworld", X: 0.5, Y: 64, Z: 0.5, Radius: 1},
		{Name: "alice", Identity: anchor.StableID("alice"), PartitionID: "the_nether", X: -1234.25, Y: 32.125, Z: 99.75, Radius: 0},
		{Name: "Far_Away", Identity: anchor.StableID("Far_Away"), PartitionID: "the_end", X: 1e7, Y: -64, Z: -1e7, Radius: 4096},
	}
}

func newStore(t *testing.T, s Storage) *Store {
	t.Helper()
	st, err := New(s, "config/anchors.json", 2, nil)
	require.NoError(t, err)
	return st
}

func TestReadAllMissingIsEmpty(t *testing.T) {
	st := newStore(t, newMemStorage())
	recs, err := st.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRoundTripAcrossBackends(t *testing.T) {
	dir, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	db, err := sqlitestore.Open(t.TempDir() + "/anchors.sqlite")
	require.NoError(t, err)
	defer db.Close()

	for name, backend := range map[string]Storage{"mem": newMemStorage(), "fs": dir, "sqlite": db} {
		t.Run(name, func(t *testing.T) {
			st := newStore(t, backend)
			in := sampleRecords()
			require.NoError(t, st.WriteAll(in))
			out, err := st.ReadAll()
			require.NoError(t, err)
			assert.ElementsMatch(t, in, out)
		})
	}
}

func TestWriteAllReplacesWholeSet(t *testing.T) {
	st := newStore(t, newMemStorage())
	require.NoError(t, st.WriteAll(sampleRecords()))
	require.NoError(t, st.WriteAll(sampleRecords()[:1]))
	out, err := st.ReadAll()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "Bob", out[0].Name)

	require.NoError(t, st.WriteAll(nil))
	out, err = st.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestWriteAllIsSortedByKey(t *testing.T) {
	mem := newMemStorage()
	st := newStore(t, mem)
	require.NoError(t, st.WriteAll(sampleRecords()))
	out, err := st.ReadAll()
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []string{"alice", "Bob", "Far_Away"}, []string{out[0].Name, out[1].Name, out[2].Name})
}

func TestMalformedYieldsEmptyAndPreservesBytes(t *testing.T) {
	for _, body := range []string{
		`{"version":1,"agents":[{"name":"Bob"}]}`,
		`{"version":7,"agents":[]}`,
		`{not json`,
		`{"version":1,"agents":[{"name":"B o b","identity":"00000000-0000-0000-0000-000000000000","partition_id":"overworld","x":0,"y":0,"z":0,"radius":1}]}`,
		`{"version":1,"agents":[{"name":"Bob","identity":"00000000-0000-0000-0000-000000000000","partition_id":"overworld","x":0,"y":0,"z":0,"radius":-1}]}`,
	} {
		mem := newMemStorage()
		mem.blobs["config/anchors.json"] = []byte(body)
		st := newStore(t, mem)

		recs, err := st.ReadAll()
		assert.Empty(t, recs, body)
		require.Error(t, err, body)
		assert.ErrorIs(t, err, anchor.ErrStorageCorrupt)
		assert.NotErrorIs(t, err, ErrUnreadable)
		assert.Equal(t, body, string(mem.blobs["config/anchors.json.corrupt"]))
	}
}

func TestListLeavesMalformedContentAlone(t *testing.T) {
	mem := newMemStorage()
	mem.blobs["config/anchors.json"] = []byte(`{not json`)
	st := newStore(t, mem)

	recs, err := st.List()
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, anchor.ErrStorageCorrupt)
	_, kept := mem.blobs["config/anchors.json.corrupt"]
	assert.False(t, kept)
	assert.Len(t, mem.blobs, 1)

	require.NoError(t, st.WriteAll(sampleRecords()))
	recs, err = st.List()
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestUnreadableStorageIsWarning(t *testing.T) {
	mem := newMemStorage()
	mem.readErr = errors.New("permission denied")
	st := newStore(t, mem)
	recs, err := st.ReadAll()
	assert.Empty(t, recs)
	assert.ErrorIs(t, err, anchor.ErrStorageCorrupt)
	assert.ErrorIs(t, err, ErrUnreadable)
	assert.Empty(t, mem.blobs)
}

func TestEmptyAndNullFilesAreEmpty(t *testing.T) {
	for _, body := range []string{"", "  \n", "null"} {
		mem := newMemStorage()
		mem.blobs["config/anchors.json"] = []byte(body)
		recs, err := newStore(t, mem).ReadAll()
		require.NoError(t, err, "%q", body)
		assert.Empty(t, recs)
	}
}

func TestLegacyListImports(t *testing.T) {
	mem := newMemStorage()
	mem.blobs["config/anchors.json"] = []byte(`[
  {"name": "Steve", "world": "minecraft:overworld", "x": 10.5, "y": 64.0, "z": -3.5},
  {"name": "Alex", "world": "minecraft:the_nether", "x": 0.5, "y": 70.0, "z": 0.5}
]`)
	recs, err := newStore(t, mem).ReadAll()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, anchor.Record{
		Name:        "Steve",
		Identity:    anchor.StableID("Steve"),
		PartitionID: "minecraft:overworld",
		X:           10.5, Y: 64, Z: -3.5,
		Radius: 2,
	}, recs[0])
	assert.Equal(t, "minecraft:the_nether", recs[1].PartitionID)
}

func TestDuplicateNamesKeepFirst(t *testing.T) {
	mem := newMemStorage()
	id := anchor.StableID("Bob").String()
	mem.blobs["config/anchors.json"] = []byte(fmt.Sprintf(`{"version":1,"agents":[
  {"name":"Bob","identity":%q,"partition_id":"overworld","x":1,"y":2,"z":3,"radius":1},
  {"name":"BOB","identity":%q,"partition_id":"overworld","x":9,"y":9,"z":9,"radius":1}
]}`, id, id))
	recs, err := newStore(t, mem).ReadAll()
	require.Error(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, float64(1), recs[0].X)
}

func TestWriteErrorPropagates(t *testing.T) {
	mem := newMemStorage()
	mem.writeErr = errors.New("disk full")
	assert.Error(t, newStore(t, mem).WriteAll(sampleRecords()))
}

func TestNonFiniteCoordinatesCannotBeWritten(t *testing.T) {
	st := newStore(t, newMemStorage())
	err := st.WriteAll([]anchor.Record{{Name: "nan", PartitionID: "overworld", X: math.NaN()}})
	assert.Error(t, err)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, "a.json", 0, nil)
	assert.Error(t, err)
	_, err = New(newMemStorage(), "", 0, nil)
	assert.Error(t, err)
	_, err = New(newMemStorage(), "a.json", -1, nil)
	assert.ErrorIs(t, err, anchor.ErrInvalidRadius)
}
