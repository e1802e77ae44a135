package lease

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/spatial"
)

type fakeActivator struct {
	mu          sync.Mutex
	active      map[string]map[spatial.CellKey]bool
	activations int
	failOn      map[spatial.CellKey]bool
	failOff     map[spatial.CellKey]bool
}

func newFakeActivator() *fakeActivator {
	return &fakeActivator{
		active:  map[string]map[spatial.CellKey]bool{},
		failOn:  map[spatial.CellKey]bool{},
		failOff: map[spatial.CellKey]bool{},
	}
}

func (f *fakeActivator) ActivateCell(p string, c spatial.CellKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[c] {
		return errors.New("activation refused")
	}
	if f.active[p] == nil {
		f.active[p] = map[spatial.CellKey]bool{}
	}
	if f.active[p][c] {
		return fmt.Errorf("cell %v already active", c)
	}
	f.active[p][c] = true
	f.activations++
	return nil
}

func (f *fakeActivator) DeactivateCell(p string, c spatial.CellKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[p][c] {
		return fmt.Errorf("cell %v not active", c)
	}
	delete(f.active[p], c)
	if f.failOff[c] {
		return errors.New("deactivation refused")
	}
	return nil
}

func (f *fakeActivator) count(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.active[p])
}

func (f *fakeActivator) isActive(p string, c spatial.CellKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[p][c]
}

func TestAcquireActivatesSquare(t *testing.T) {
	for _, r := range []int{0, 1, 3} {
		act := newFakeActivator()
		tr := NewTracker(act, nil)
		fp, err := tr.Acquire("bob", "overworld", spatial.CellKey{CX: 4, CZ: -4}, r)
		require.NoError(t, err)
		side := 2*r + 1
		assert.Len(t, fp.Cells, side*side)
		assert.Equal(t, side*side, act.count("overworld"))
		assert.Equal(t, side*side, tr.ActiveCount())
	}
}

func TestAcquireRejectsNegativeRadius(t *testing.T) {
	tr := NewTracker(newFakeActivator(), nil)
	_, err := tr.Acquire("bob", "overworld", spatial.CellKey{}, -1)
	assert.ErrorIs(t, err, anchor.ErrInvalidRadius)
	assert.Empty(t, tr.Owners())
}

func TestOverlappingFootprintsShareClaims(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)

	_, err := tr.Acquire("Bob", "overworld", spatial.CellKey{CX: 0, CZ: 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 9, act.count("overworld"))

	_, err = tr.Acquire("Alice", "overworld", spatial.CellKey{CX: 1, CZ: 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, 12, act.count("overworld"))

	shared := 0
	for _, c := range spatial.Square(spatial.CellKey{CX: 0, CZ: 0}, 1) {
		if c.CX >= 0 {
			assert.Equal(t, 2, tr.Claims("overworld", c), "cell %v", c)
			shared++
		}
	}
	assert.Equal(t, 6, shared)

	require.NoError(t, tr.Release("bob"))
	assert.Equal(t, 9, act.count("overworld"))
	for _, c := range spatial.Square(spatial.CellKey{CX: 1, CZ: 0}, 1) {
		assert.True(t, act.isActive("overworld", c), "alice cell %v", c)
		assert.Equal(t, 1, tr.Claims("overworld", c))
	}
	for _, cz := range []int{-1, 0, 1} {
		assert.False(t, act.isActive("overworld", spatial.CellKey{CX: -1, CZ: cz}))
	}
}

func TestSameCellInDifferentPartitionsIsIndependent(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	_, err := tr.Acquire("a", "overworld", spatial.CellKey{}, 0)
	require.NoError(t, err)
	_, err = tr.Acquire("b", "the_nether", spatial.CellKey{}, 0)
	require.NoError(t, err)
	require.NoError(t, tr.Release("a"))
	assert.Equal(t, 0, act.count("overworld"))
	assert.Equal(t, 1, act.count("the_nether"))
}

func TestReacquireMovesWithoutTogglingSharedCells(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	_, err := tr.Acquire("bob", "overworld", spatial.CellKey{CX: 0, CZ: 0}, 1)
	require.NoError(t, err)
	before := act.activations

	_, err = tr.Acquire("BOB", "overworld", spatial.CellKey{CX: 1, CZ: 0}, 1)
	require.NoError(t, err)

	// Only the new column is activated; the fake rejects double activation.
	assert.Equal(t, 3, act.activations-before)
	assert.Equal(t, 9, act.count("overworld"))
	assert.Equal(t, []string{"bob"}, tr.Owners())
	for _, c := range spatial.Square(spatial.CellKey{CX: 1, CZ: 0}, 1) {
		assert.Equal(t, 1, tr.Claims("overworld", c))
	}
}

func TestReacquireAcrossPartitions(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	_, err := tr.Acquire("bob", "overworld", spatial.CellKey{}, 1)
	require.NoError(t, err)
	_, err = tr.Acquire("bob", "the_end", spatial.CellKey{}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, act.count("overworld"))
	assert.Equal(t, 1, act.count("the_end"))
}

func TestAcquireRollsBackOnActivationFailure(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	_, err := tr.Acquire("bob", "overworld", spatial.CellKey{CX: 0, CZ: 0}, 0)
	require.NoError(t, err)

	act.failOn[spatial.CellKey{CX: 11, CZ: 10}] = true
	_, err = tr.Acquire("bob", "overworld", spatial.CellKey{CX: 10, CZ: 10}, 1)
	require.Error(t, err)

	fp, ok := tr.Footprint("bob")
	require.True(t, ok)
	assert.Equal(t, spatial.CellKey{CX: 0, CZ: 0}, fp.Center)
	assert.Equal(t, 1, act.count("overworld"))
	assert.Equal(t, 1, tr.ActiveCount())
}

func TestReleaseUnknownOwnerIsNoop(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	assert.NoError(t, tr.Release("ghost"))
	_, err := tr.Acquire("bob", "overworld", spatial.CellKey{}, 1)
	require.NoError(t, err)
	require.NoError(t, tr.Release("bob"))
	assert.NoError(t, tr.Release("bob"))
	assert.Equal(t, 0, act.count("overworld"))
}

func TestReleaseAllIsBestEffort(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	for i := 0; i < 5; i++ {
		_, err := tr.Acquire(fmt.Sprintf("bot%d", i), "overworld", spatial.CellKey{CX: i * 2, CZ: 0}, 1)
		require.NoError(t, err)
	}
	act.failOff[spatial.CellKey{CX: 0, CZ: 0}] = true

	err := tr.ReleaseAll()
	require.Error(t, err)
	assert.Equal(t, 0, tr.ActiveCount())
	assert.Empty(t, tr.Owners())
	assert.Equal(t, 0, act.count("overworld"))
}

func TestFootprintIsACopy(t *testing.T) {
	tr := NewTracker(newFakeActivator(), nil)
	fp, err := tr.Acquire("bob", "overworld", spatial.CellKey{}, 1)
	require.NoError(t, err)
	fp.Cells[0] = spatial.CellKey{CX: 99, CZ: 99}
	again, ok := tr.Footprint("bob")
	require.True(t, ok)
	assert.NotEqual(t, spatial.CellKey{CX: 99, CZ: 99}, again.Cells[0])
}

func TestConcurrentOwners(t *testing.T) {
	act := newFakeActivator()
	tr := NewTracker(act, nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("bot%d", i)
			for j := 0; j < 20; j++ {
				_, err := tr.Acquire(owner, "overworld", spatial.CellKey{CX: j % 3, CZ: i % 4}, 2)
				assert.NoError(t, err)
			}
			if i%2 == 0 {
				assert.NoError(t, tr.Release(owner))
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, tr.Owners(), 16)
	require.NoError(t, tr.ReleaseAll())
	assert.Equal(t, 0, act.count("overworld"))
}
