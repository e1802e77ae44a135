// Package simhost is an in-memory world host: partitions hold agent entities
// and a set of force-active cells. It stands in for a real simulation when
// running the registry standalone and in integration tests.
package simhost

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"anchorkeep.ai/internal/anchor"
	"anchorkeep.ai/internal/spatial"
)

type Partition struct {
	id       string
	active   map[spatial.CellKey]bool
	entities map[uuid.UUID]*Agent
}

func (p *Partition) ID() string { return p.id }

type Agent struct {
	mu           sync.RWMutex
	name         string
	identity     uuid.UUID
	partition    string
	pos          spatial.Vec3
	invulnerable bool
	discarded    bool
}

func (a *Agent) Name() string        { return a.name }
func (a *Agent) Identity() uuid.UUID { return a.identity }
func (a *Agent) PartitionID() string { return a.partition }

func (a *Agent) Position() spatial.Vec3 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pos
}

func (a *Agent) Invulnerable() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.invulnerable
}

type agentKey struct {
	partition string
	identity  uuid.UUID
}

type Host struct {
	log *zap.Logger

	mu         sync.Mutex
	partitions map[string]*Partition
	cache      map[agentKey]*Agent
}

func New(partitionIDs []string, logger *zap.Logger) (*Host, error) {
	if len(partitionIDs) == 0 {
		return nil, fmt.Errorf("no partitions")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Host{
		log:        logger.With(zap.String("component", "simhost")),
		partitions: map[string]*Partition{},
		cache:      map[agentKey]*Agent{},
	}
	for _, id := range partitionIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("empty partition id")
		}
		if _, dup := h.partitions[id]; dup {
			return nil, fmt.Errorf("duplicate partition id: %s", id)
		}
		h.partitions[id] = &Partition{
			id:       id,
			active:   map[spatial.CellKey]bool{},
			entities: map[uuid.UUID]*Agent{},
		}
	}
	return h, nil
}

func (h *Host) PartitionIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.partitions))
	for id := range h.partitions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (h *Host) ResolvePartition(id string) (anchor.Partition, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.partitions[id]
	if !ok {
		return nil, false
	}
	return p, true
}

func (h *Host) partitionLocked(p anchor.Partition) (*Partition, error) {
	if p == nil {
		return nil, fmt.Errorf("nil partition")
	}
	sp, ok := h.partitions[p.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", anchor.ErrUnresolvedPartition, p.ID())
	}
	return sp, nil
}

func agentOf(handle anchor.Handle) (*Agent, error) {
	a, ok := handle.(*Agent)
	if !ok || a == nil {
		return nil, fmt.Errorf("foreign agent handle %T", handle)
	}
	return a, nil
}

// CreateOrGetAgent returns the cached agent for identity in p, creating it
// when absent. The cache survives until the agent is discarded.
func (h *Host) CreateOrGetAgent(p anchor.Partition, identity uuid.UUID, name string) (anchor.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, err := h.partitionLocked(p)
	if err != nil {
		return nil, err
	}
	k := agentKey{partition: sp.id, identity: identity}
	if a, ok := h.cache[k]; ok {
		return a, nil
	}
	a := &Agent{name: name, identity: identity, partition: sp.id}
	h.cache[k] = a
	return a, nil
}

func (h *Host) PositionAgent(handle anchor.Handle, pos spatial.Vec3) error {
	a, err := agentOf(handle)
	if err != nil {
		return err
	}
	if !pos.Finite() {
		return fmt.Errorf("%w: %v", anchor.ErrInvalidPosition, pos)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.discarded {
		return fmt.Errorf("agent %s was discarded", a.name)
	}
	a.pos = pos
	return nil
}

// DecorateAgent applies the maintenance-free profile: the agent cannot be
// hurt by the world.
func (h *Host) DecorateAgent(handle anchor.Handle) error {
	a, err := agentOf(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.invulnerable = true
	a.mu.Unlock()
	return nil
}

func (h *Host) IsPresent(p anchor.Partition, handle anchor.Handle) bool {
	a, err := agentOf(handle)
	if err != nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, err := h.partitionLocked(p)
	if err != nil {
		return false
	}
	return sp.entities[a.identity] == a
}

func (h *Host) SpawnIntoWorld(p anchor.Partition, handle anchor.Handle) error {
	a, err := agentOf(handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, err := h.partitionLocked(p)
	if err != nil {
		return err
	}
	if a.partition != sp.id {
		return fmt.Errorf("agent %s belongs to %s, not %s", a.name, a.partition, sp.id)
	}
	if _, exists := sp.entities[a.identity]; exists {
		return fmt.Errorf("agent %s already added to %s", a.name, sp.id)
	}
	sp.entities[a.identity] = a
	h.log.Debug("agent spawned", zap.String("name", a.name), zap.String("partition", sp.id))
	return nil
}

func (h *Host) Discard(handle anchor.Handle) error {
	a, err := agentOf(handle)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.discarded = true
	a.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	k := agentKey{partition: a.partition, identity: a.identity}
	if h.cache[k] == a {
		delete(h.cache, k)
	}
	if sp, ok := h.partitions[a.partition]; ok && sp.entities[a.identity] == a {
		delete(sp.entities, a.identity)
	}
	h.log.Debug("agent discarded", zap.String("name", a.name), zap.String("partition", a.partition))
	return nil
}

func (h *Host) ActivateCell(partitionID string, cell spatial.CellKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.partitions[partitionID]
	if !ok {
		return fmt.Errorf("%w: %s", anchor.ErrUnresolvedPartition, partitionID)
	}
	if sp.active[cell] {
		return fmt.Errorf("cell %v in %s already force-active", cell, partitionID)
	}
	sp.active[cell] = true
	return nil
}

func (h *Host) DeactivateCell(partitionID string, cell spatial.CellKey) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.partitions[partitionID]
	if !ok {
		return fmt.Errorf("%w: %s", anchor.ErrUnresolvedPartition, partitionID)
	}
	if !sp.active[cell] {
		return fmt.Errorf("cell %v in %s is not force-active", cell, partitionID)
	}
	delete(sp.active, cell)
	return nil
}

func (h *Host) ActiveCells(partitionID string) []spatial.CellKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.partitions[partitionID]
	if !ok {
		return nil
	}
	out := make([]spatial.CellKey, 0, len(sp.active))
	for c := range sp.active {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return spatial.Less(out[i], out[j]) })
	return out
}

func (h *Host) IsActive(partitionID string, cell spatial.CellKey) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.partitions[partitionID]
	return ok && sp.active[cell]
}

// Entities returns the names of agents present in partitionID, sorted.
func (h *Host) Entities(partitionID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.partitions[partitionID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(sp.entities))
	for _, a := range sp.entities {
		out = append(out, a.name)
	}
	sort.Strings(out)
	return out
}
