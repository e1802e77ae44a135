package lease

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/spatial"
)

// Activator is the host primitive that keeps a cell loaded.
type Activator interface {
	ActivateCell(partitionID string, cell spatial.CellKey) error
	DeactivateCell(partitionID string, cell spatial.CellKey) error
}

// Footprint is the square of cells one owner keeps active.
type Footprint struct {
	Owner       string
	PartitionID string
	Center      spatial.CellKey
	Radius      int
	Cells       []spatial.CellKey
}

func (f Footprint) clone() Footprint {
	f.Cells = slices.Clone(f.Cells)
	return f
}

type claimKey struct {
	partition string
	cell      spatial.CellKey
}

// Tracker reference-counts cell claims so overlapping footprints never
// deactivate each other's cells. It is the only caller of the Activator.
type Tracker struct {
	act Activator
	log *zap.Logger

	mu     sync.Mutex
	claims map[claimKey]int
	owners map[string]Footprint
}

func NewTracker(act Activator, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		act:    act,
		log:    logger.With(zap.String("component", "lease")),
		claims: map[claimKey]int{},
		owners: map[string]Footprint{},
	}
}

// Acquire claims the square of radius cells around center for owner. An
// existing footprint of the same owner is replaced: the new claims are added
// before the old ones are dropped, so shared cells stay active throughout.
// If activation fails the call is undone and the previous footprint kept.
func (t *Tracker) Acquire(owner, partitionID string, center spatial.CellKey, radius int) (Footprint, error) {
	if radius < 0 {
		return Footprint{}, fmt.Errorf("%w: %d", anchor.ErrInvalidRadius, radius)
	}
	if partitionID == "" {
		return Footprint{}, fmt.Errorf("%w: empty partition id", anchor.ErrUnresolvedPartition)
	}
	fp := Footprint{
		Owner:       owner,
		PartitionID: partitionID,
		Center:      center,
		Radius:      radius,
		Cells:       spatial.Square(center, radius),
	}
	key := anchor.Key(owner)

	t.mu.Lock()
	defer t.mu.Unlock()

	added := make([]claimKey, 0, len(fp.Cells))
	for _, c := range fp.Cells {
		k := claimKey{partition: partitionID, cell: c}
		if t.claims[k] == 0 {
			if err := t.act.ActivateCell(partitionID, c); err != nil {
				if rbErr := t.dropLocked(added); rbErr != nil {
					t.log.Warn("rollback after failed activation", zap.String("owner", owner), zap.Error(rbErr))
				}
				return Footprint{}, fmt.Errorf("activate cell %v in %s: %w", c, partitionID, err)
			}
		}
		t.claims[k]++
		added = append(added, k)
	}

	if prev, ok := t.owners[key]; ok {
		if err := t.dropLocked(keysOf(prev)); err != nil {
			t.log.Warn("release of previous footprint incomplete", zap.String("owner", owner), zap.Error(err))
		}
	}
	t.owners[key] = fp
	t.log.Debug("footprint acquired",
		zap.String("owner", owner),
		zap.String("partition", partitionID),
		zap.Stringer("center", center),
		zap.Int("radius", radius),
		zap.Int("cells", len(fp.Cells)),
	)
	return fp.clone(), nil
}

// Release drops owner's claims. Unknown owners are a no-op. Counters are
// always dropped; deactivation failures are returned joined.
func (t *Tracker) Release(owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(anchor.Key(owner))
}

// ReleaseAll releases every owner, continuing past failures.
func (t *Tracker) ReleaseAll() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	keys := make([]string, 0, len(t.owners))
	for k := range t.owners {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		if err := t.releaseLocked(k); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", k, err))
		}
	}
	t.log.Info("released all footprints", zap.Int("owners", len(keys)), zap.Int("failures", len(errs)))
	return errors.Join(errs...)
}

func (t *Tracker) releaseLocked(key string) error {
	fp, ok := t.owners[key]
	if !ok {
		return nil
	}
	delete(t.owners, key)
	err := t.dropLocked(keysOf(fp))
	t.log.Debug("footprint released", zap.String("owner", fp.Owner), zap.Int("cells", len(fp.Cells)))
	return err
}

func (t *Tracker) dropLocked(keys []claimKey) error {
	var errs []error
	for _, k := range keys {
		n := t.claims[k]
		if n <= 0 {
			continue
		}
		if n > 1 {
			t.claims[k] = n - 1
			continue
		}
		delete(t.claims, k)
		if err := t.act.DeactivateCell(k.partition, k.cell); err != nil {
			errs = append(errs, fmt.Errorf("deactivate cell %v in %s: %w", k.cell, k.partition, err))
		}
	}
	return errors.Join(errs...)
}

func keysOf(fp Footprint) []claimKey {
	out := make([]claimKey, len(fp.Cells))
	for i, c := range fp.Cells {
		out[i] = claimKey{partition: fp.PartitionID, cell: c}
	}
	return out
}

func (t *Tracker) Footprint(owner string) (Footprint, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fp, ok := t.owners[anchor.Key(owner)]
	if !ok {
		return Footprint{}, false
	}
	return fp.clone(), true
}

// Owners returns the owner keys holding a footprint, sorted.
func (t *Tracker) Owners() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.owners))
	for k := range t.owners {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Claims reports how many footprints include cell.
func (t *Tracker) Claims(partitionID string, cell spatial.CellKey) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.claims[claimKey{partition: partitionID, cell: cell}]
}

func (t *Tracker) ActiveCells(partitionID string) []spatial.CellKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []spatial.CellKey
	for k := range t.claims {
		if k.partition == partitionID {
			out = append(out, k.cell)
		}
	}
	sort.Slice(out, func(i, j int) bool { return spatial.Less(out[i], out[j]) })
	return out
}

// ActiveCount is the number of claimed cells across all partitions.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.claims)
}
