package postprocess

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// SliceSample is the urethra probability peak of one axial slice
type SliceSample struct {
	X, Y   float64 // in-plane voxel index of the peak
	Z      int
	Weight float64 // peak probability, used as fit weight
}

// SliceMaxima finds the maximum of the urethra channel on every axial slice.
// Voxels tying for the maximum are averaged and the mean index is rounded
// half to even.
func SliceMaxima(channel []float32, g geometry.Grid) []SliceSample {
	w, h := g.Size[0], g.Size[1]
	plane := w * h
	samples := make([]SliceSample, g.Size[2])

	for z := 0; z < g.Size[2]; z++ {
		slice := channel[z*plane : (z+1)*plane]
		peak := slice[0]
		for _, v := range slice[1:] {
			if v > peak {
				peak = v
			}
		}

		var sx, sy float64
		n := 0
		for i, v := range slice {
			if v == peak {
				sx += float64(i % w)
				sy += float64(i / w)
				n++
			}
		}
		samples[z] = SliceSample{
			X:      math.RoundToEven(sx / float64(n)),
			Y:      math.RoundToEven(sy / float64(n)),
			Z:      z,
			Weight: float64(peak),
		}
	}
	return samples
}

// Polynomial holds coefficients in increasing order of power
type Polynomial []float64

// At evaluates the polynomial at t
func (p Polynomial) At(t float64) float64 {
	v := 0.0
	for i := len(p) - 1; i >= 0; i-- {
		v = v*t + p[i]
	}
	return v
}

// Centerline is the fitted urethra path, x(z) and y(z)
type Centerline struct {
	X, Y Polynomial
}

// Point returns the rounded in-plane position at slice z
func (c Centerline) Point(z int) (int, int) {
	return int(math.RoundToEven(c.X.At(float64(z)))), int(math.RoundToEven(c.Y.At(float64(z))))
}

// MaxDegree of the centerline polynomials
const MaxDegree = 2

// FitCenterline fits x(z) and y(z) by weighted least squares, each residual
// multiplied by its sample weight. The degree drops below MaxDegree when
// fewer than MaxDegree+1 samples carry weight. ok is false when no sample
// carries weight.
func FitCenterline(samples []SliceSample) (c Centerline, ok bool, err error) {
	var used []SliceSample
	for _, s := range samples {
		if s.Weight > 0 {
			used = append(used, s)
		}
	}
	if len(used) == 0 {
		return Centerline{}, false, nil
	}

	degree := MaxDegree
	if len(used)-1 < degree {
		degree = len(used) - 1
	}

	a := mat.NewDense(len(used), degree+1, nil)
	bx := mat.NewVecDense(len(used), nil)
	by := mat.NewVecDense(len(used), nil)
	for i, s := range used {
		pow := 1.0
		for j := 0; j <= degree; j++ {
			a.Set(i, j, s.Weight*pow)
			pow *= float64(s.Z)
		}
		bx.SetVec(i, s.Weight*s.X)
		by.SetVec(i, s.Weight*s.Y)
	}

	var qr mat.QR
	qr.Factorize(a)

	var px, py mat.VecDense
	if err := qr.SolveVecTo(&px, false, bx); err != nil {
		return Centerline{}, false, fmt.Errorf("fitting x(z): %w", err)
	}
	if err := qr.SolveVecTo(&py, false, by); err != nil {
		return Centerline{}, false, fmt.Errorf("fitting y(z): %w", err)
	}

	c.X = make(Polynomial, degree+1)
	c.Y = make(Polynomial, degree+1)
	for j := 0; j <= degree; j++ {
		c.X[j] = px.AtVec(j)
		c.Y[j] = py.AtVec(j)
	}
	return c, true, nil
}

// DrawDisc rasterizes a filled disc of the given radius (in voxels) on a
// width x height slice. Membership is exact: (p-cx)² + (q-cy)² <= r².
// Only the bounding square clamped to the slice is visited.
func DrawDisc(width, height int, cx, cy, radius float64) []bool {
	out := make([]bool, width*height)

	x0, x1 := clampSpan(cx-radius, cx+radius+1, width)
	y0, y1 := clampSpan(cy-radius, cy+radius+1, height)
	r2 := radius * radius
	for q := y0; q < y1; q++ {
		for p := x0; p < x1; p++ {
			dx, dy := float64(p)-cx, float64(q)-cy
			if dx*dx+dy*dy <= r2 {
				out[q*width+p] = true
			}
		}
	}
	return out
}

func clampSpan(lo, hi float64, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > float64(n) {
		hi = float64(n)
	}
	return int(lo), int(hi)
}

// RenderUrethra draws a disc of radiusMM around the centerline on every
// slice and keeps only the part inside the prostate. The radius is converted
// to voxels with the in-plane spacing of the x axis.
func RenderUrethra(c Centerline, radiusMM float64, prostate *models.Mask) *models.Mask {
	g := prostate.Grid
	out := models.NewMask(g)
	radius := radiusMM / g.Spacing[0]
	plane := g.Size[0] * g.Size[1]

	for z := 0; z < g.Size[2]; z++ {
		x, y := c.Point(z)
		disc := DrawDisc(g.Size[0], g.Size[1], float64(x), float64(y), radius)
		base := z * plane
		for i, in := range disc {
			out.Data[base+i] = in && prostate.Data[base+i]
		}
	}
	return out
}
