package resample

import (
	"math"
	"math/rand"
	"testing"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

func randomLabels(rng *rand.Rand, g geometry.Grid) *models.LabelVolume {
	l := models.NewLabelVolume(g)
	for i := range l.Data {
		l.Data[i] = uint8(rng.Intn(models.NumZones))
	}
	return l
}

// TestResampleRoundTripSize checks that S1 -> S2 -> S1 restores the voxel
// count within one voxel per axis.
func TestResampleRoundTripSize(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 40; i++ {
		size := [3]int{8 + rng.Intn(40), 8 + rng.Intn(40), 3 + rng.Intn(12)}
		s1 := [3]float64{0.3 + rng.Float64(), 0.3 + rng.Float64(), 1.5 + 2.5*rng.Float64()}
		s2 := [3]float64{0.5, 0.5, 3}

		v := models.NewVolume(geometry.NewGrid(size, s1))
		mid, err := Resample(v, s2, Linear)
		if err != nil {
			t.Fatalf("Resample failed: %v", err)
		}
		back, err := Resample(mid, s1, Linear)
		if err != nil {
			t.Fatalf("Resample failed: %v", err)
		}

		for axis := 0; axis < 3; axis++ {
			if d := back.Size[axis] - size[axis]; d < -1 || d > 1 {
				t.Errorf("Axis %d: size %d -> %d -> %d (spacing %v -> %v)",
					axis, size[axis], mid.Size[axis], back.Size[axis], s1, s2)
			}
		}
	}
}

// TestResamplePreservesPlacement checks that origin and direction survive a
// spacing change and that the extent follows the rounded spacing ratio.
func TestResamplePreservesPlacement(t *testing.T) {
	g := geometry.NewGrid([3]int{100, 80, 20}, [3]float64{0.39999, 0.5, 3.6})
	g.Origin = [3]float64{-12.5, 30, 7}
	r := geometry.MatrixFromAxisAngle([3]float64{0, 0, 1}, 0.2)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			g.Direction[i*3+j] = r.At(i, j)
		}
	}

	out, err := Resample(models.NewVolume(g), [3]float64{0.5, 0.5, 3}, Linear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	if out.Origin != g.Origin || out.Direction != g.Direction {
		t.Errorf("Placement changed: origin %v direction %v", out.Origin, out.Direction)
	}
	want := [3]int{80, 80, 24}
	if out.Size != want {
		t.Errorf("Expected size %v, got %v", want, out.Size)
	}
}

func TestResampleRejectsBadSpacing(t *testing.T) {
	v := models.NewVolume(geometry.NewGrid([3]int{4, 4, 4}, [3]float64{1, 1, 1}))
	if _, err := Resample(v, [3]float64{1, 0, 1}, Linear); err == nil {
		t.Error("Expected error for zero spacing")
	}
	if _, err := ResampleLabels(models.NewLabelVolume(v.Grid), [3]float64{1, 1, -2}); err == nil {
		t.Error("Expected error for negative spacing")
	}
}

// TestLinearRamp checks that trilinear sampling reproduces a linear ramp
// exactly inside the grid.
func TestLinearRamp(t *testing.T) {
	g := geometry.NewGrid([3]int{10, 6, 4}, [3]float64{1, 1, 1})
	v := models.NewVolume(g)
	for z := 0; z < 4; z++ {
		for y := 0; y < 6; y++ {
			for x := 0; x < 10; x++ {
				v.Set(x, y, z, float64(x)+2*float64(y)+3*float64(z))
			}
		}
	}

	out, err := Resample(v, [3]float64{0.5, 0.5, 0.5}, Linear)
	if err != nil {
		t.Fatalf("Resample failed: %v", err)
	}
	for z := 0; z <= 6; z++ {
		for y := 0; y <= 10; y++ {
			for x := 0; x <= 18; x++ {
				want := 0.5*float64(x) + float64(y) + 1.5*float64(z)
				if got := out.At(x, y, z); math.Abs(got-want) > 1e-9 {
					t.Fatalf("Voxel (%d,%d,%d): expected %f, got %f", x, y, z, want, got)
				}
			}
		}
	}
}

// TestLabelPurity checks that resampling and transforming a segmentation
// never produces a value outside the label set.
func TestLabelPurity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	g := geometry.NewGrid([3]int{24, 20, 8}, [3]float64{0.7, 0.7, 2.5})
	g.Origin = [3]float64{3, -4, 10}

	for i := 0; i < 10; i++ {
		l := randomLabels(rng, g)

		rs, err := ResampleLabels(l, [3]float64{0.5, 0.5, 3})
		if err != nil {
			t.Fatalf("ResampleLabels failed: %v", err)
		}
		if err := rs.Validate(); err != nil {
			t.Errorf("Resampled labels: %v", err)
		}

		center := g.IndexToPhysical([3]float64{12, 10, 4})
		tr := geometry.NewSimilarity(center, rng.Float64()*60-30, 0.925+rng.Float64()*0.15, g.ThroughPlaneAxis())
		out := TransformLabels(l, tr)
		if err := out.Validate(); err != nil {
			t.Errorf("Transformed labels: %v", err)
		}
		if !out.SameGeometry(l.Grid, 0) {
			t.Error("Transform changed the label grid")
		}
	}
}

// TestTransformCongruence checks that images and labels transformed by the
// same similarity keep identical grids and that a label volume carrying its
// own value as intensity stays in step.
func TestTransformCongruence(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	g := geometry.NewGrid([3]int{16, 16, 6}, [3]float64{1, 1, 3})
	l := randomLabels(rng, g)
	v := models.NewVolume(g)
	for i, lab := range l.Data {
		v.Data[i] = float64(lab)
	}

	center := g.IndexToPhysical([3]float64{7.5, 7.5, 2.5})
	tr := geometry.NewSimilarity(center, 17, 1.05, g.ThroughPlaneAxis())

	img := Transform(v, tr, NearestNeighbor)
	seg := TransformLabels(l, tr)
	if !img.SameGeometry(seg.Grid, 0) {
		t.Fatal("Image and segmentation grids differ")
	}
	for i := range seg.Data {
		if img.Data[i] != float64(seg.Data[i]) {
			t.Fatalf("Voxel %d: image %f, segmentation %d", i, img.Data[i], seg.Data[i])
		}
	}
}

func TestTransformIdentityCopies(t *testing.T) {
	g := geometry.NewGrid([3]int{5, 5, 5}, [3]float64{1, 1, 1})
	v := models.NewVolume(g)
	v.Set(2, 2, 2, 9)

	out := Transform(v, geometry.IdentitySimilarity(), Linear)
	if out.At(2, 2, 2) != 9 {
		t.Errorf("Expected 9, got %f", out.At(2, 2, 2))
	}
	out.Set(2, 2, 2, 1)
	if v.At(2, 2, 2) != 9 {
		t.Error("Identity transform aliased the input data")
	}
}

// TestTransformFillsOutside checks that voxels mapped outside the input grid
// take the default value.
func TestTransformFillsOutside(t *testing.T) {
	g := geometry.NewGrid([3]int{10, 10, 3}, [3]float64{1, 1, 1})
	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = 5
	}

	// Sampling at twice the distance from the centre pulls corners outside
	tr := geometry.NewSimilarity([3]float64{4.5, 4.5, 1}, 0, 2, g.ThroughPlaneAxis())
	out := Transform(v, tr, Linear)
	if got := out.At(0, 0, 1); got != DefaultValue {
		t.Errorf("Expected fill %d at corner, got %f", DefaultValue, got)
	}
	if got := out.At(4, 4, 1); got != 5 {
		t.Errorf("Expected 5 near centre, got %f", got)
	}
}

func TestToReference(t *testing.T) {
	src := geometry.NewGrid([3]int{20, 20, 5}, [3]float64{1, 1, 3})
	v := models.NewVolume(src)
	for i := range v.Data {
		v.Data[i] = 2
	}
	ref := geometry.NewGrid([3]int{40, 40, 5}, [3]float64{0.5, 0.5, 3})
	ref.Origin = [3]float64{0.25, 0.25, 0}

	out := ToReference(v, ref, Linear)
	if !out.SameGeometry(ref, 0) {
		t.Fatal("Output does not sit on the reference grid")
	}
	if got := out.At(10, 10, 2); got != 2 {
		t.Errorf("Expected 2, got %f", got)
	}
}
