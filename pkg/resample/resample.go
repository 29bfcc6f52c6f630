// Package resample maps volumes between voxel grids: onto a new spacing, onto
// the grid of a reference image, or through a similarity transform onto their
// own grid. Intensity images use trilinear interpolation; label volumes are
// always sampled nearest-neighbour so that no blended class value can appear.
package resample

import (
	"fmt"
	"math"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// Interpolator selects the sampling kernel
type Interpolator int

const (
	// Linear is trilinear interpolation in continuous index space
	Linear Interpolator = iota
	// NearestNeighbor picks the voxel whose centre is closest
	NearestNeighbor
)

func (i Interpolator) String() string {
	switch i {
	case Linear:
		return "linear"
	case NearestNeighbor:
		return "nearest"
	}
	return fmt.Sprintf("Interpolator(%d)", int(i))
}

// DefaultValue fills output voxels that map outside the input grid
const DefaultValue = 0

// voxel is the set of element types the sampler can read
type voxel interface {
	~float64 | ~uint8
}

// ResampledGrid returns the grid covering the same field of view as g at the
// new spacing. Origin and direction are kept. The old spacing is rounded to
// four decimals before the ratio so that header precision noise does not
// change the output extent.
func ResampledGrid(g geometry.Grid, spacing [3]float64) (geometry.Grid, error) {
	out := g
	for i := 0; i < 3; i++ {
		if !(spacing[i] > 0) {
			return out, fmt.Errorf("target spacing %v must be positive on every axis", spacing)
		}
		old := math.Round(g.Spacing[i]*1e4) / 1e4
		out.Size[i] = int(math.Round(old / spacing[i] * float64(g.Size[i])))
		if out.Size[i] < 1 {
			out.Size[i] = 1
		}
	}
	out.Spacing = spacing
	return out, nil
}

// Resample casts v to floating point and resamples it to the target spacing
func Resample(v *models.Volume, spacing [3]float64, interp Interpolator) (*models.Volume, error) {
	g, err := ResampledGrid(v.Grid, spacing)
	if err != nil {
		return nil, err
	}
	return ToReference(v, g, interp), nil
}

// ResampleLabels resamples a segmentation to the target spacing with
// nearest-neighbour sampling
func ResampleLabels(l *models.LabelVolume, spacing [3]float64) (*models.LabelVolume, error) {
	g, err := ResampledGrid(l.Grid, spacing)
	if err != nil {
		return nil, err
	}
	return LabelsToReference(l, g), nil
}

// ToReference resamples v onto the reference grid
func ToReference(v *models.Volume, ref geometry.Grid, interp Interpolator) *models.Volume {
	return &models.Volume{Grid: ref, Data: sampleGrid(v.Data, v.Grid, ref, nil, interp)}
}

// LabelsToReference resamples a segmentation onto the reference grid
func LabelsToReference(l *models.LabelVolume, ref geometry.Grid) *models.LabelVolume {
	return &models.LabelVolume{Grid: ref, Data: sampleGrid(l.Data, l.Grid, ref, nil, NearestNeighbor)}
}

// Transform resamples v through t onto its own grid. Each output voxel at
// physical point p takes the input value at t.Apply(p).
func Transform(v *models.Volume, t geometry.Similarity, interp Interpolator) *models.Volume {
	if t.IsIdentity() {
		return v.Clone()
	}
	return &models.Volume{Grid: v.Grid, Data: sampleGrid(v.Data, v.Grid, v.Grid, &t, interp)}
}

// TransformLabels resamples a segmentation through t onto its own grid
func TransformLabels(l *models.LabelVolume, t geometry.Similarity) *models.LabelVolume {
	if t.IsIdentity() {
		return l.Clone()
	}
	return &models.LabelVolume{Grid: l.Grid, Data: sampleGrid(l.Data, l.Grid, l.Grid, &t, NearestNeighbor)}
}

// sampleGrid evaluates the input image at the physical position of every
// output voxel, optionally passed through a transform first.
func sampleGrid[T voxel](src []T, in, out geometry.Grid, t *geometry.Similarity, interp Interpolator) []T {
	dst := make([]T, out.Len())
	mapper := in.Mapper()

	// Physical steps along each output axis so the inner loop is additive
	var step [3][3]float64
	for axis := 0; axis < 3; axis++ {
		for r := 0; r < 3; r++ {
			step[axis][r] = out.Direction[r*3+axis] * out.Spacing[axis]
		}
	}

	for z := 0; z < out.Size[2]; z++ {
		for y := 0; y < out.Size[1]; y++ {
			row := out.IndexToPhysical([3]float64{0, float64(y), float64(z)})
			base := out.Offset(0, y, z)
			for x := 0; x < out.Size[0]; x++ {
				p := [3]float64{
					row[0] + float64(x)*step[0][0],
					row[1] + float64(x)*step[0][1],
					row[2] + float64(x)*step[0][2],
				}
				if t != nil {
					p = t.Apply(p)
				}
				ci := mapper.ContinuousIndex(p)
				if interp == Linear {
					dst[base+x] = T(linearAt(src, in.Size, ci))
				} else {
					dst[base+x] = nearestAt(src, in.Size, ci)
				}
			}
		}
	}
	return dst
}

// inside reports whether a continuous index falls within half a voxel of the
// grid, the region an image sampler treats as covered.
func inside(size [3]int, ci [3]float64) bool {
	for i := 0; i < 3; i++ {
		if ci[i] < -0.5 || ci[i] >= float64(size[i])-0.5 {
			return false
		}
	}
	return true
}

func nearestAt[T voxel](src []T, size [3]int, ci [3]float64) T {
	if !inside(size, ci) {
		return DefaultValue
	}
	var idx [3]int
	for i := 0; i < 3; i++ {
		idx[i] = int(math.Floor(ci[i] + 0.5))
		if idx[i] >= size[i] {
			idx[i] = size[i] - 1
		}
	}
	return src[idx[2]*size[0]*size[1]+idx[1]*size[0]+idx[0]]
}

func linearAt[T voxel](src []T, size [3]int, ci [3]float64) float64 {
	if !inside(size, ci) {
		return DefaultValue
	}

	var lo, hi [3]int
	var frac [3]float64
	for i := 0; i < 3; i++ {
		f := math.Floor(ci[i])
		frac[i] = ci[i] - f
		lo[i] = clampIndex(int(f), size[i])
		hi[i] = clampIndex(int(f)+1, size[i])
	}

	plane := size[0] * size[1]
	at := func(x, y, z int) float64 {
		return float64(src[z*plane+y*size[0]+x])
	}

	c00 := at(lo[0], lo[1], lo[2])*(1-frac[0]) + at(hi[0], lo[1], lo[2])*frac[0]
	c10 := at(lo[0], hi[1], lo[2])*(1-frac[0]) + at(hi[0], hi[1], lo[2])*frac[0]
	c01 := at(lo[0], lo[1], hi[2])*(1-frac[0]) + at(hi[0], lo[1], hi[2])*frac[0]
	c11 := at(lo[0], hi[1], hi[2])*(1-frac[0]) + at(hi[0], hi[1], hi[2])*frac[0]

	c0 := c00*(1-frac[1]) + c10*frac[1]
	c1 := c01*(1-frac[1]) + c11*frac[1]
	return c0*(1-frac[2]) + c1*frac[2]
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
