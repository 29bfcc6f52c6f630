// Package geometry provides the coordinate maths shared by the resampling,
// augmentation and postprocessing stages: voxel grids with physical
// placement, axis-angle rotations and similarity transforms.
package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Grid describes how a voxel lattice sits in physical (patient) space.
//
// A voxel index i maps to the physical point
//
//	p = Origin + Direction · diag(Spacing) · i
//
// Direction is a row-major 3x3 matrix whose columns are the unit vectors of
// the x, y and z grid axes.
type Grid struct {
	Size      [3]int
	Spacing   [3]float64
	Origin    [3]float64
	Direction [9]float64
}

// Identity is the identity direction matrix.
var Identity = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}

// NewGrid returns a grid with identity direction and zero origin.
func NewGrid(size [3]int, spacing [3]float64) Grid {
	return Grid{Size: size, Spacing: spacing, Direction: Identity}
}

// Len returns the number of voxels in the grid.
func (g Grid) Len() int {
	return g.Size[0] * g.Size[1] * g.Size[2]
}

// Offset returns the flat index of voxel (x, y, z).
func (g Grid) Offset(x, y, z int) int {
	return z*g.Size[0]*g.Size[1] + y*g.Size[0] + x
}

// Coords is the inverse of Offset.
func (g Grid) Coords(offset int) (x, y, z int) {
	plane := g.Size[0] * g.Size[1]
	z = offset / plane
	rem := offset - z*plane
	y = rem / g.Size[0]
	x = rem - y*g.Size[0]
	return x, y, z
}

// Contains reports whether the integer index lies inside the grid.
func (g Grid) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < g.Size[0] && y < g.Size[1] && z < g.Size[2]
}

// ThroughPlaneAxis returns the third column of the direction matrix, the
// anatomical normal of the acquisition plane.
func (g Grid) ThroughPlaneAxis() [3]float64 {
	return [3]float64{g.Direction[2], g.Direction[5], g.Direction[8]}
}

// IndexToPhysical maps a (possibly fractional) index to physical space.
func (g Grid) IndexToPhysical(idx [3]float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = g.Origin[r]
		for c := 0; c < 3; c++ {
			p[r] += g.Direction[r*3+c] * g.Spacing[c] * idx[c]
		}
	}
	return p
}

// ContinuousIndex maps a physical point to a fractional grid index.
func (g Grid) ContinuousIndex(p [3]float64) [3]float64 {
	return g.Mapper().ContinuousIndex(p)
}

// PhysicalToIndex maps a physical point to an integer voxel index by
// truncating the fractional index. Crop placement depends on this exact
// policy, so it must not be changed to rounding.
func (g Grid) PhysicalToIndex(p [3]float64) [3]int {
	ci := g.ContinuousIndex(p)
	return [3]int{int(ci[0]), int(ci[1]), int(ci[2])}
}

// SameGeometry reports whether two grids share size, spacing, origin and
// direction within tol.
func (g Grid) SameGeometry(o Grid, tol float64) bool {
	if g.Size != o.Size {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(g.Spacing[i]-o.Spacing[i]) > tol || math.Abs(g.Origin[i]-o.Origin[i]) > tol {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(g.Direction[i]-o.Direction[i]) > tol {
			return false
		}
	}
	return true
}

// Validate checks that the grid is usable for resampling.
func (g Grid) Validate() error {
	for i := 0; i < 3; i++ {
		if g.Size[i] <= 0 {
			return fmt.Errorf("grid size %v must be positive on every axis", g.Size)
		}
		if !(g.Spacing[i] > 0) {
			return fmt.Errorf("grid spacing %v must be positive on every axis", g.Spacing)
		}
	}
	if math.Abs(mat.Det(mat.NewDense(3, 3, g.Direction[:]))) < 1e-9 {
		return fmt.Errorf("grid direction %v is singular", g.Direction)
	}
	return nil
}

// Mapper holds the precomputed physical-to-index matrix of a grid so that
// inner resampling loops avoid a matrix inversion per voxel.
type Mapper struct {
	origin [3]float64
	inv    [9]float64
}

// Mapper returns the physical-to-index mapper of the grid.
func (g Grid) Mapper() Mapper {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, g.Direction[r*3+c]*g.Spacing[c])
		}
	}

	inv := mat.NewDense(3, 3, nil)
	if err := inv.Inverse(m); err != nil {
		if _, illConditioned := err.(mat.Condition); !illConditioned {
			// Singular grids are rejected by Validate; fall back to the
			// orthonormal assumption so callers never see NaNs.
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					inv.Set(r, c, g.Direction[c*3+r]/g.Spacing[r])
				}
			}
		}
	}

	out := Mapper{origin: g.Origin}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.inv[r*3+c] = inv.At(r, c)
		}
	}
	return out
}

// ContinuousIndex maps a physical point to a fractional index.
func (m Mapper) ContinuousIndex(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - m.origin[0], p[1] - m.origin[1], p[2] - m.origin[2]}
	return [3]float64{
		m.inv[0]*d[0] + m.inv[1]*d[1] + m.inv[2]*d[2],
		m.inv[3]*d[0] + m.inv[4]*d[1] + m.inv[5]*d[2],
		m.inv[6]*d[0] + m.inv[7]*d[1] + m.inv[8]*d[2],
	}
}
