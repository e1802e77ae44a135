package anchor

import (
	"crypto/md5"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"anchorkeep.ai/internal/spatial"
)

const MaxNameLen = 32

// Record is the durable description of an anchor. Live handles and leases are
// projections of it.
type Record struct {
	Name        string    `json:"name"`
	Identity    uuid.UUID `json:"identity"`
	PartitionID string    `json:"partition_id"`
	X           float64   `json:"x"`
	Y           float64   `json:"y"`
	Z           float64   `json:"z"`
	Radius      int       `json:"radius"`
}

func (r Record) Key() string { return Key(r.Name) }

func (r Record) Position() spatial.Vec3 {
	return spatial.Vec3{X: r.X, Y: r.Y, Z: r.Z}
}

func (r Record) Cell() spatial.CellKey {
	return spatial.CellOf(r.Position())
}

// Handle is the host's live agent as seen by the registry.
type Handle interface {
	Name() string
	Identity() uuid.UUID
	PartitionID() string
	Position() spatial.Vec3
}

// Key is the case-insensitive identity of a name.
func Key(name string) string {
	return strings.ToLower(name)
}

// StableID derives the offline identity for name: a version 3 UUID over
// "OfflinePlayer:"+name, without a namespace prefix.
func StableID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.UUID(sum)
}

func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if len(name) > MaxNameLen {
		return fmt.Errorf("%w: %q longer than %d characters", ErrInvalidName, name, MaxNameLen)
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_':
		default:
			return fmt.Errorf("%w: %q contains %q", ErrInvalidName, name, c)
		}
	}
	return nil
}

// Partition is an independently addressable region of the host world.
type Partition interface {
	ID() string
}
