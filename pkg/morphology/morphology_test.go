package morphology

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/spatial/kdtree"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

func maskFromCoords(g geometry.Grid, coords ...[3]int) *models.Mask {
	m := models.NewMask(g)
	for _, c := range coords {
		m.Data[g.Offset(c[0], c[1], c[2])] = true
	}
	return m
}

func TestLargestComponentEmpty(t *testing.T) {
	m := models.NewMask(geometry.NewGrid([3]int{5, 4, 3}, [3]float64{1, 1, 1}))
	out := LargestComponent(m)
	if out.Count() != 0 {
		t.Errorf("Expected empty result, got %d voxels", out.Count())
	}
	if out.Size != m.Size {
		t.Errorf("Expected size %v, got %v", m.Size, out.Size)
	}
}

// TestLargestComponentDiagonal checks that corner-touching voxels are joined.
func TestLargestComponentDiagonal(t *testing.T) {
	g := geometry.NewGrid([3]int{6, 6, 6}, [3]float64{1, 1, 1})
	// A 3-voxel chain touching only at corners, and two separate voxels
	m := maskFromCoords(g, [3]int{0, 0, 0}, [3]int{1, 1, 1}, [3]int{2, 2, 2}, [3]int{5, 0, 5}, [3]int{5, 5, 0})

	out := LargestComponent(m)
	if out.Count() != 3 {
		t.Fatalf("Expected 3 voxels, got %d", out.Count())
	}
	for _, c := range [][3]int{{0, 0, 0}, {1, 1, 1}, {2, 2, 2}} {
		if !out.Data[g.Offset(c[0], c[1], c[2])] {
			t.Errorf("Voxel %v missing from the largest component", c)
		}
	}
}

// TestLargestComponentMerging checks a U shape whose arms only meet late in
// scan order, forcing a union of two provisional labels.
func TestLargestComponentMerging(t *testing.T) {
	g := geometry.NewGrid([3]int{7, 5, 1}, [3]float64{1, 1, 1})
	var coords [][3]int
	for y := 0; y < 5; y++ {
		coords = append(coords, [3]int{0, y, 0}, [3]int{6, y, 0})
	}
	for x := 1; x < 6; x++ {
		coords = append(coords, [3]int{x, 4, 0})
	}
	coords = append(coords, [3]int{3, 1, 0}, [3]int{3, 2, 0})
	m := maskFromCoords(g, coords...)

	ids, sizes := LabelComponents(m)
	if len(sizes) != 3 {
		t.Fatalf("Expected 2 components, got %d", len(sizes)-1)
	}
	if sizes[1] != 15 || sizes[2] != 2 {
		t.Errorf("Unexpected component sizes %v", sizes[1:])
	}
	if ids[g.Offset(0, 0, 0)] != ids[g.Offset(6, 0, 0)] {
		t.Error("U arms were not merged")
	}
	if LargestComponent(m).Count() != 15 {
		t.Error("Largest component is not the U")
	}
}

func TestLargestComponentTie(t *testing.T) {
	g := geometry.NewGrid([3]int{9, 1, 1}, [3]float64{1, 1, 1})
	m := maskFromCoords(g, [3]int{1, 0, 0}, [3]int{2, 0, 0}, [3]int{6, 0, 0}, [3]int{7, 0, 0})
	out := LargestComponent(m)
	if !out.Data[1] || out.Data[6] {
		t.Error("Tie should resolve to the component reached first")
	}
}

func TestMaskHelpers(t *testing.T) {
	g := geometry.NewGrid([3]int{4, 1, 1}, [3]float64{1, 1, 1})
	a := &models.Mask{Grid: g, Data: []bool{true, true, false, false}}
	b := &models.Mask{Grid: g, Data: []bool{true, false, true, false}}

	check := func(name string, got *models.Mask, want []bool) {
		for i := range want {
			if got.Data[i] != want[i] {
				t.Errorf("%s: expected %v, got %v", name, want, got.Data)
				return
			}
		}
	}
	check("And", And(a, b), []bool{true, false, false, false})
	check("AndNot", AndNot(a, b), []bool{false, true, false, false})
	check("Complement", Complement(a), []bool{false, false, true, true})
	check("FromLabels", FromLabels([]uint8{3, 0, 3, 1}, g, 3), []bool{true, false, true, false})
}

// point is a physical-space kd-tree point used as a brute-force oracle
type point struct{ x, y, z float64 }

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(point)
	switch d {
	case 0:
		return p.x - q.x
	case 1:
		return p.y - q.y
	default:
		return p.z - q.z
	}
}

func (p point) Dims() int { return 3 }

func (p point) Distance(c kdtree.Comparable) float64 {
	q := c.(point)
	dx, dy, dz := p.x-q.x, p.y-q.y, p.z-q.z
	return dx*dx + dy*dy + dz*dz
}

type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p points) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(plane{points: p, Dim: d}, kdtree.MedianOfMedians(plane{points: p, Dim: d}))
}

type plane struct {
	points
	kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	return p.points[i].Compare(p.points[j], p.Dim) < 0
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], Dim: p.Dim}
}
func (p plane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }

// TestDistanceToFeatureMatchesNearestNeighbour compares the transform with
// an exact nearest-neighbour search on anisotropic grids.
func TestDistanceToFeatureMatchesNearestNeighbour(t *testing.T) {
	rng := rand.New(rand.NewSource(13))

	for trial := 0; trial < 5; trial++ {
		g := geometry.NewGrid(
			[3]int{6 + rng.Intn(10), 6 + rng.Intn(10), 2 + rng.Intn(6)},
			[3]float64{0.3 + rng.Float64(), 0.3 + rng.Float64(), 1 + 3*rng.Float64()},
		)
		m := models.NewMask(g)
		var features points
		for i := range m.Data {
			if rng.Float64() < 0.03 {
				m.Data[i] = true
				x, y, z := g.Coords(i)
				features = append(features, point{float64(x) * g.Spacing[0], float64(y) * g.Spacing[1], float64(z) * g.Spacing[2]})
			}
		}
		if len(features) == 0 {
			m.Data[0] = true
			features = append(features, point{})
		}

		tree := kdtree.New(features, false)
		dist := DistanceToFeature(m)
		for i, got := range dist {
			x, y, z := g.Coords(i)
			q := point{float64(x) * g.Spacing[0], float64(y) * g.Spacing[1], float64(z) * g.Spacing[2]}
			_, d2 := tree.Nearest(q)
			if want := math.Sqrt(d2); math.Abs(got-want) > 1e-9 {
				t.Fatalf("Trial %d voxel (%d,%d,%d): expected %f, got %f", trial, x, y, z, want, got)
			}
		}
	}
}

func TestDistanceToFeatureEmpty(t *testing.T) {
	m := models.NewMask(geometry.NewGrid([3]int{3, 3, 3}, [3]float64{1, 1, 1}))
	for i, d := range DistanceToFeature(m) {
		if !math.IsInf(d, 1) {
			t.Fatalf("Voxel %d: expected +Inf, got %f", i, d)
		}
	}
}

// TestDistanceHonoursSpacing checks a single feature against hand values.
func TestDistanceHonoursSpacing(t *testing.T) {
	g := geometry.NewGrid([3]int{5, 5, 5}, [3]float64{0.5, 1, 3})
	m := maskFromCoords(g, [3]int{2, 2, 2})
	d := DistanceToFeature(m)

	tests := []struct {
		at   [3]int
		want float64
	}{
		{[3]int{2, 2, 2}, 0},
		{[3]int{4, 2, 2}, 1},
		{[3]int{2, 4, 2}, 2},
		{[3]int{2, 2, 3}, 3},
		{[3]int{0, 0, 0}, math.Sqrt(1 + 4 + 36)},
	}
	for _, tt := range tests {
		if got := d[g.Offset(tt.at[0], tt.at[1], tt.at[2])]; math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("At %v: expected %f, got %f", tt.at, tt.want, got)
		}
	}
}
