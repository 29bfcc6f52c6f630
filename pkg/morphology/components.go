// Package morphology implements the binary-mask filters used by the
// postprocess stage: 26-connected component extraction and an anisotropic
// Euclidean distance transform.
package morphology

import (
	"github.com/theodesp/unionfind"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// backward lists the 13 neighbours of a voxel that precede it in raster
// order (x fastest, then y, then z) under 26-connectivity.
var backward = func() [][3]int {
	var out [][3]int
	for dz := -1; dz <= 0; dz++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dz == 0 && (dy > 0 || (dy == 0 && dx >= 0)) {
					continue
				}
				out = append(out, [3]int{dx, dy, dz})
			}
		}
	}
	return out
}()

// LabelComponents assigns a component id (1-based, in order of first
// appearance) to every true voxel of m under 26-connectivity and returns the
// per-voxel ids together with the size of each component. sizes[0] is unused.
func LabelComponents(m *models.Mask) (ids []int32, sizes []int) {
	g := m.Grid
	ids = make([]int32, len(m.Data))

	// Exact number of provisional labels: voxels with no earlier neighbour
	provisional := 0
	forEachTrue(m, func(off, x, y, z int) {
		if !hasBackwardNeighbour(m, x, y, z) {
			provisional++
		}
	})
	if provisional == 0 {
		return ids, []int{0}
	}

	uf := unionfind.New(provisional + 1)
	next := int32(1)
	forEachTrue(m, func(off, x, y, z int) {
		var label int32
		for _, d := range backward {
			nx, ny, nz := x+d[0], y+d[1], z+d[2]
			if !g.Contains(nx, ny, nz) {
				continue
			}
			n := ids[g.Offset(nx, ny, nz)]
			if n == 0 {
				continue
			}
			if label == 0 {
				label = n
			} else if n != label {
				uf.Union(int(label), int(n))
			}
		}
		if label == 0 {
			label = next
			next++
		}
		ids[off] = label
	})

	// Resolve to roots and renumber in scan order
	renumber := make(map[int]int32)
	sizes = []int{0}
	for off, label := range ids {
		if label == 0 {
			continue
		}
		root := uf.Root(int(label))
		id, ok := renumber[root]
		if !ok {
			id = int32(len(sizes))
			renumber[root] = id
			sizes = append(sizes, 0)
		}
		ids[off] = id
		sizes[id]++
	}
	return ids, sizes
}

// LargestComponent returns the largest 26-connected component of m. Equal
// sizes resolve to the component reached first in raster order. An empty
// mask yields an empty mask.
func LargestComponent(m *models.Mask) *models.Mask {
	out := models.NewMask(m.Grid)
	ids, sizes := LabelComponents(m)

	best := int32(0)
	for id := 1; id < len(sizes); id++ {
		if best == 0 || sizes[id] > sizes[best] {
			best = int32(id)
		}
	}
	if best == 0 {
		return out
	}
	for i, id := range ids {
		out.Data[i] = id == best
	}
	return out
}

func forEachTrue(m *models.Mask, fn func(off, x, y, z int)) {
	g := m.Grid
	off := 0
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				if m.Data[off] {
					fn(off, x, y, z)
				}
				off++
			}
		}
	}
}

func hasBackwardNeighbour(m *models.Mask, x, y, z int) bool {
	g := m.Grid
	for _, d := range backward {
		nx, ny, nz := x+d[0], y+d[1], z+d[2]
		if g.Contains(nx, ny, nz) && m.Data[g.Offset(nx, ny, nz)] {
			return true
		}
	}
	return false
}

// sameGrid panics when two masks are not on the same lattice; combining
// masks of different shapes is a programming error.
func sameGrid(a, b geometry.Grid) {
	if a.Size != b.Size {
		panic("morphology: masks have different sizes")
	}
}
