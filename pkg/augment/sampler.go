package augment

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// ErrEmptyForeground is returned when a segmentation has no labelled voxel
var ErrEmptyForeground = errors.New("segmentation has no foreground voxels")

// BoundingBox is the minimal axis-aligned box around the foreground, in voxels
type BoundingBox struct {
	Start [3]int
	Size  [3]int
}

// CentroidAndBoundingBox thresholds l at label >= 1 and returns the physical
// centroid and index bounding box of the foreground.
func CentroidAndBoundingBox(l *models.LabelVolume) ([3]float64, BoundingBox, error) {
	var sum [3]float64
	lo := [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi := [3]int{-1, -1, -1}
	n := 0

	for off, v := range l.Data {
		if v < 1 {
			continue
		}
		x, y, z := l.Coords(off)
		idx := [3]int{x, y, z}
		for i := 0; i < 3; i++ {
			sum[i] += float64(idx[i])
			if idx[i] < lo[i] {
				lo[i] = idx[i]
			}
			if idx[i] > hi[i] {
				hi[i] = idx[i]
			}
		}
		n++
	}
	if n == 0 {
		return [3]float64{}, BoundingBox{}, ErrEmptyForeground
	}

	mean := [3]float64{sum[0] / float64(n), sum[1] / float64(n), sum[2] / float64(n)}
	var box BoundingBox
	for i := 0; i < 3; i++ {
		box.Start[i] = lo[i]
		box.Size[i] = hi[i] - lo[i] + 1
	}
	return l.IndexToPhysical(mean), box, nil
}

// GridCentroidAndBoundingBox treats the whole grid as foreground. It is used
// to centre cases that come without a segmentation.
func GridCentroidAndBoundingBox(g geometry.Grid) ([3]float64, BoundingBox) {
	mid := [3]float64{
		float64(g.Size[0]-1) / 2,
		float64(g.Size[1]-1) / 2,
		float64(g.Size[2]-1) / 2,
	}
	return g.IndexToPhysical(mid), BoundingBox{Size: g.Size}
}

// Draw is one set of augmentation parameters for a case
type Draw struct {
	RotationDeg float64
	Scale       float64
	NoiseSigma  float64
	Start       [3]int // crop start index in the transformed volume
}

// Sampler draws augmentation parameters for one case. It owns its random
// source and must not be shared between goroutines.
type Sampler struct {
	mode   Mode
	params ModeParams
	src    rand.Source
	rng    *rand.Rand
}

// NewSampler creates a sampler seeded for a single case
func NewSampler(mode Mode, seed uint64) *Sampler {
	src := rand.NewSource(seed)
	return &Sampler{
		mode:   mode,
		params: mode.Params(),
		src:    src,
		rng:    rand.New(src),
	}
}

// Mode returns the sampler's mode
func (s *Sampler) Mode() Mode { return s.mode }

// Source exposes the random source, shared with the noise generator
func (s *Sampler) Source() rand.Source { return s.src }

func (s *Sampler) uniform(min, max float64) float64 {
	if min == max {
		return min
	}
	return distuv.Uniform{Min: min, Max: max, Src: s.src}.Rand()
}

// Rotation draws the in-plane rotation in degrees
func (s *Sampler) Rotation() float64 {
	return s.uniform(-s.params.RotationDeg, s.params.RotationDeg)
}

// Scale draws the uniform scale factor
func (s *Sampler) Scale() float64 {
	return s.uniform(s.params.ScaleMin, s.params.ScaleMax)
}

// NoiseSigma draws the standard deviation of the additive noise
func (s *Sampler) NoiseSigma() float64 {
	return s.uniform(0, s.params.NoiseMax)
}

// Translation returns the crop start index for a window of outputSize voxels
// placed around box. The result is never negative.
func (s *Sampler) Translation(outputSize [3]int, box BoundingBox) [3]int {
	var start [3]int
	for axis := 0; axis < 3; axis++ {
		slack, jitter := s.params.SlackXY, s.params.JitterXY
		if axis == 2 {
			slack, jitter = s.params.SlackZ, s.params.JitterZ
		}

		delta := outputSize[axis] - box.Size[axis]
		half := floorHalf(delta)

		var offset int
		switch {
		case delta <= 0 && axis == 2:
			offset = 0
		case delta <= 0:
			offset = half
		case jitter:
			offset = s.band(half, slack)
		default:
			offset = half
		}

		start[axis] = box.Start[axis] - offset
		if start[axis] < 0 {
			start[axis] = 0
		}
	}
	return start
}

// band draws an integer from [int(slack*half), int(half/slack)), falling back
// to the lower edge when the band is empty.
func (s *Sampler) band(half int, slack float64) int {
	low := int(slack * float64(half))
	high := int(float64(half) / slack)
	if high <= low {
		return low
	}
	return low + s.rng.Intn(high-low)
}

// Draw samples rotation, scale, noise and translation in that order
func (s *Sampler) Draw(outputSize [3]int, box BoundingBox) Draw {
	d := Draw{
		RotationDeg: s.Rotation(),
		Scale:       s.Scale(),
	}
	d.NoiseSigma = s.NoiseSigma()
	d.Start = s.Translation(outputSize, box)
	return d
}

func floorHalf(d int) int {
	return int(math.Floor(float64(d) / 2))
}
