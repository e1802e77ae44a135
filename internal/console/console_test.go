package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorkeep.ai/internal/lease"
	"anchorkeep.ai/internal/persistence/fsstore"
	"anchorkeep.ai/internal/records"
	"anchorkeep.ai/internal/registry"
	"anchorkeep.ai/internal/sim/simhost"
	"anchorkeep.ai/internal/spatial"
)

func newConsole(t *testing.T) (*Console, *bytes.Buffer, *registry.Registry) {
	t.Helper()
	sim, err := simhost.New([]string{"overworld", "the_nether"}, nil)
	require.NoError(t, err)
	dir, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	store, err := records.New(dir, "anchors.json", 1, nil)
	require.NoError(t, err)
	reg, err := registry.New(registry.Options{
		Host:          sim,
		Tracker:       lease.NewTracker(sim, nil),
		Store:         store,
		DefaultRadius: 1,
		MaxRadius:     4,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	c := New(reg, &out, Options{Partition: "overworld", Origin: spatial.Vec3{X: 0.5, Y: 64, Z: 0.5}})
	return c, &out, reg
}

func TestSpawnAtOriginAndMove(t *testing.T) {
	c, out, _ := newConsole(t)

	require.NoError(t, c.Exec("spawn Bob"))
	assert.Equal(t, "Spawned Bob in overworld at 0.50, 64.00, 0.50, holding 9 cells around [0, 0]\n", out.String())

	out.Reset()
	require.NoError(t, c.Exec("spawn -w the_nether -r 0 bob 10 64 -20"))
	assert.Equal(t, "Moved Bob in the_nether at 10.00, 64.00, -20.00, holding 1 cells around [0, -2]\n", out.String())

	out.Reset()
	require.NoError(t, c.Exec("list"))
	assert.Equal(t, "Bob the_nether at 10.00, 64.00, -20.00 cell [0, -2] r=0 (1 cells)\n", out.String())
}

func TestErrorsCarryCodes(t *testing.T) {
	c, out, _ := newConsole(t)
	cases := map[string]string{
		"kill Nobody":             "E_NOT_FOUND: agent not found: Nobody\n",
		"spawn Bob 1 two 3":       "E_BAD_REQUEST: invalid position: \"two\" is not a number\n",
		"spawn -w mars Bob":       "E_PARTITION_NOT_FOUND: partition not found: mars\n",
		"spawn -r 5 Bob":          "E_BAD_REQUEST: invalid footprint radius: 5 not in [0,4]\n",
		"forget Nobody":           "E_NOT_FOUND: agent not found: no record for Nobody\n",
		"spawn Bob 1 2":           "E_BAD_REQUEST: spawn takes a name and optionally x y z\n",
		"spawn bad-name":          "E_BAD_REQUEST: invalid agent name: \"bad-name\" contains '-'\n",
		"kill":                    "E_BAD_REQUEST: accepts 1 arg(s), received 0\n",
		"spawn Bob nan 64 0":      "E_BAD_REQUEST: invalid position: NaN, 64.00, 0.00\n",
		"spawn Bob 0 64 0 --fast": "E_BAD_REQUEST: spawn takes a name and optionally x y z\n",
	}
	for line, want := range cases {
		out.Reset()
		assert.Error(t, c.Exec(line), line)
		assert.Equal(t, want, out.String(), line)
	}

	out.Reset()
	assert.Error(t, c.Exec("teleport Bob"))
	assert.True(t, strings.HasPrefix(out.String(), "E_BAD_REQUEST: unknown command \"teleport\""), out.String())
}

func TestKillForgetRecordsStatus(t *testing.T) {
	c, out, reg := newConsole(t)
	require.NoError(t, c.Exec("spawn Alice 20 64 20"))
	require.NoError(t, c.Exec("spawn Bob"))

	out.Reset()
	require.NoError(t, c.Exec("status"))
	assert.Equal(t, "live=2 records=2 owners=2 active_cells=14\n", out.String())

	out.Reset()
	require.NoError(t, c.Exec("kill BOB"))
	assert.Equal(t, "Killed BOB\n", out.String())

	out.Reset()
	require.NoError(t, c.Exec("records"))
	assert.Equal(t, "Alice overworld at 20.00, 64.00, 20.00 r=1 [live]\n", out.String())

	out.Reset()
	require.Error(t, c.Exec("forget Alice"))
	assert.True(t, strings.HasPrefix(out.String(), "E_CONFLICT: "), out.String())

	out.Reset()
	require.NoError(t, c.Exec("save"))
	assert.Equal(t, "Saved 1 records\n", out.String())

	require.NoError(t, c.Exec("kill Alice"))
	out.Reset()
	require.NoError(t, c.Exec("list"))
	assert.Equal(t, "No live anchors\n", out.String())
	out.Reset()
	require.NoError(t, c.Exec("records"))
	assert.Equal(t, "No stored records\n", out.String())
	assert.Zero(t, reg.Stats().ActiveCells)
}

func TestRunStopsAtQuit(t *testing.T) {
	c, out, reg := newConsole(t)
	in := strings.NewReader("spawn A\n\n   \nkill Nobody\nquit\nspawn B\n")
	require.NoError(t, c.Run(context.Background(), in))
	assert.Equal(t, 1, reg.Stats().Live)
	assert.Contains(t, out.String(), "Spawned A")
	assert.Contains(t, out.String(), "E_NOT_FOUND")
	assert.NotContains(t, out.String(), "Spawned B")
}

func TestRunStopsWhenContextDone(t *testing.T) {
	c, _, reg := newConsole(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, c.Run(ctx, strings.NewReader("spawn A\n")))
	assert.Zero(t, reg.Stats().Live)
}
