package spatial

import (
	"fmt"
	"math"
)

// CellSize is the edge length of a cell in blocks.
const CellSize = 16

type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (v Vec3) Finite() bool {
	for _, c := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

func (v Vec3) String() string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", v.X, v.Y, v.Z)
}

// BlockPos is a floored position.
type BlockPos struct {
	X, Y, Z int
}

func (p BlockPos) String() string {
	return fmt.Sprintf("%d, %d, %d", p.X, p.Y, p.Z)
}

// Center returns the horizontal middle of the block at its floor height.
func (p BlockPos) Center() Vec3 {
	return Vec3{X: float64(p.X) + 0.5, Y: float64(p.Y), Z: float64(p.Z) + 0.5}
}

type CellKey struct {
	CX int `json:"cx"`
	CZ int `json:"cz"`
}

func (k CellKey) String() string {
	return fmt.Sprintf("[%d, %d]", k.CX, k.CZ)
}

func FloorDiv(a, b int) int {
	// b > 0
	q := a / b
	r := a % b
	if r < 0 {
		q--
	}
	return q
}

func Floor(v Vec3) BlockPos {
	return BlockPos{
		X: int(math.Floor(v.X)),
		Y: int(math.Floor(v.Y)),
		Z: int(math.Floor(v.Z)),
	}
}

func CellOfBlock(p BlockPos) CellKey {
	return CellKey{CX: FloorDiv(p.X, CellSize), CZ: FloorDiv(p.Z, CellSize)}
}

func CellOf(v Vec3) CellKey {
	return CellOfBlock(Floor(v))
}

// Square returns the cells within Chebyshev distance radius of center,
// x fastest then z. A negative radius yields no cells.
func Square(center CellKey, radius int) []CellKey {
	if radius < 0 {
		return nil
	}
	side := 2*radius + 1
	out := make([]CellKey, 0, side*side)
	for dz := -radius; dz <= radius; dz++ {
		for dx := -radius; dx <= radius; dx++ {
			out = append(out, CellKey{CX: center.CX + dx, CZ: center.CZ + dz})
		}
	}
	return out
}

func Less(a, b CellKey) bool {
	if a.CX != b.CX {
		return a.CX < b.CX
	}
	return a.CZ < b.CZ
}
