package augment

import (
	"math"
	"sort"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
	"prostatezones/pkg/resample"
)

// DefaultOutputSize is the training window in voxels (x, y, z)
var DefaultOutputSize = [3]int{192, 192, 32}

// Percentile window used for intensity normalization
const (
	LowerPercentile = 0.01
	UpperPercentile = 0.99
)

// Sample is an augmented, cropped and normalized image/segmentation pair.
// Segmentation is nil for cases prepared without one.
type Sample struct {
	Images       models.CaseImages
	Segmentation *models.LabelVolume
}

// Augmenter applies one draw to a case
type Augmenter struct {
	OutputSize [3]int
}

// NewAugmenter returns an augmenter producing windows of the given size
func NewAugmenter(outputSize [3]int) *Augmenter {
	return &Augmenter{OutputSize: outputSize}
}

// Apply runs transform, z padding, crop, noise and normalization in that
// order. Every image channel and the segmentation go through the same
// transform and crop so they stay congruent; noise and normalization touch
// the images only. src feeds the noise generator.
func (a *Augmenter) Apply(images models.CaseImages, seg *models.LabelVolume, center [3]float64, d Draw, src rand.Source) Sample {
	t := geometry.NewSimilarity(center, d.RotationDeg, d.Scale, images.T2.ThroughPlaneAxis())

	out := Sample{
		Images: images.Map(func(v *models.Volume) *models.Volume {
			v = resample.Transform(v, t, resample.Linear)
			v = a.cropVolume(a.padVolume(v), d.Start)
			addNoise(v, d.NoiseSigma, src)
			Normalize(v)
			return v
		}),
	}
	if seg != nil {
		s := resample.TransformLabels(seg, t)
		out.Segmentation = a.cropLabels(a.padLabels(s), d.Start)
	}
	return out
}

// padding returns the lower and upper pad per axis. Depth is padded up to the
// output depth; in-plane axes only when the volume is narrower than the
// window. Lower gets the floor of half the deficit.
func (a *Augmenter) padding(size [3]int) (lower, upper [3]int) {
	for axis := 0; axis < 3; axis++ {
		if deficit := a.OutputSize[axis] - size[axis]; deficit > 0 {
			lower[axis] = deficit / 2
			upper[axis] = deficit - deficit/2
		}
	}
	return lower, upper
}

// paddedGrid grows g and moves its origin so that existing voxels keep their
// physical position.
func paddedGrid(g geometry.Grid, lower, upper [3]int) geometry.Grid {
	out := g
	for i := 0; i < 3; i++ {
		out.Size[i] += lower[i] + upper[i]
	}
	out.Origin = g.IndexToPhysical([3]float64{-float64(lower[0]), -float64(lower[1]), -float64(lower[2])})
	return out
}

func (a *Augmenter) padVolume(v *models.Volume) *models.Volume {
	lower, upper := a.padding(v.Size)
	if lower == [3]int{} && upper == [3]int{} {
		return v
	}
	out := models.NewVolume(paddedGrid(v.Grid, lower, upper))
	copyBox(v.Data, v.Grid, out.Data, out.Grid, [3]int{}, lower, v.Size)
	return out
}

func (a *Augmenter) padLabels(l *models.LabelVolume) *models.LabelVolume {
	lower, upper := a.padding(l.Size)
	if lower == [3]int{} && upper == [3]int{} {
		return l
	}
	out := models.NewLabelVolume(paddedGrid(l.Grid, lower, upper))
	copyBox(l.Data, l.Grid, out.Data, out.Grid, [3]int{}, lower, l.Size)
	return out
}

// cropStart clamps the requested start so the window lies inside the volume
func (a *Augmenter) cropStart(size, start [3]int) [3]int {
	for i := 0; i < 3; i++ {
		if limit := size[i] - a.OutputSize[i]; start[i] > limit {
			start[i] = limit
		}
		if start[i] < 0 {
			start[i] = 0
		}
	}
	return start
}

func (a *Augmenter) croppedGrid(g geometry.Grid, start [3]int) geometry.Grid {
	out := g
	out.Size = a.OutputSize
	out.Origin = g.IndexToPhysical([3]float64{float64(start[0]), float64(start[1]), float64(start[2])})
	return out
}

func (a *Augmenter) cropVolume(v *models.Volume, start [3]int) *models.Volume {
	start = a.cropStart(v.Size, start)
	out := models.NewVolume(a.croppedGrid(v.Grid, start))
	copyBox(v.Data, v.Grid, out.Data, out.Grid, start, [3]int{}, a.OutputSize)
	return out
}

func (a *Augmenter) cropLabels(l *models.LabelVolume, start [3]int) *models.LabelVolume {
	start = a.cropStart(l.Size, start)
	out := models.NewLabelVolume(a.croppedGrid(l.Grid, start))
	copyBox(l.Data, l.Grid, out.Data, out.Grid, start, [3]int{}, a.OutputSize)
	return out
}

// copyBox copies a box of extent voxels from src at srcStart to dst at
// dstStart, one x-row at a time.
func copyBox[T any](src []T, sg geometry.Grid, dst []T, dg geometry.Grid, srcStart, dstStart, extent [3]int) {
	for z := 0; z < extent[2]; z++ {
		for y := 0; y < extent[1]; y++ {
			s := sg.Offset(srcStart[0], srcStart[1]+y, srcStart[2]+z)
			d := dg.Offset(dstStart[0], dstStart[1]+y, dstStart[2]+z)
			copy(dst[d:d+extent[0]], src[s:s+extent[0]])
		}
	}
}

func addNoise(v *models.Volume, sigma float64, src rand.Source) {
	if sigma <= 0 {
		return
	}
	n := distuv.Normal{Mu: 0, Sigma: sigma, Src: src}
	for i := range v.Data {
		v.Data[i] += n.Rand()
	}
}

// Normalize windows v in place between its 1st and 99th percentile and maps
// the window to [0, 1], clipping outside. A flat volume maps to zero.
func Normalize(v *models.Volume) {
	if len(v.Data) == 0 {
		return
	}
	sorted := make([]float64, len(v.Data))
	copy(sorted, v.Data)
	sort.Float64s(sorted)

	lo := Percentile(sorted, LowerPercentile)
	hi := Percentile(sorted, UpperPercentile)
	if !(hi > lo) {
		for i := range v.Data {
			v.Data[i] = 0
		}
		return
	}

	scale := 1 / (hi - lo)
	for i, val := range v.Data {
		switch {
		case val <= lo:
			v.Data[i] = 0
		case val >= hi:
			v.Data[i] = 1
		default:
			v.Data[i] = (val - lo) * scale
		}
	}
}

// Percentile returns the p-quantile (0 <= p <= 1) of sorted data, linearly
// interpolated between the ranks around p*(n-1).
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	pos := p * float64(n-1)
	i := int(math.Floor(pos))
	if i < 0 {
		return sorted[0]
	}
	if i >= n-1 {
		return sorted[n-1]
	}
	frac := pos - float64(i)
	return sorted[i] + frac*(sorted[i+1]-sorted[i])
}

// FlipLeftRight reverses the x axis of every channel and of the segmentation
func FlipLeftRight(s Sample) Sample {
	out := Sample{
		Images: s.Images.Map(func(v *models.Volume) *models.Volume {
			f := v.Clone()
			flipX(f.Data, f.Grid)
			return f
		}),
	}
	if s.Segmentation != nil {
		out.Segmentation = s.Segmentation.Clone()
		flipX(out.Segmentation.Data, out.Segmentation.Grid)
	}
	return out
}

func flipX[T any](data []T, g geometry.Grid) {
	w := g.Size[0]
	for row := 0; row < g.Size[1]*g.Size[2]; row++ {
		r := data[row*w : (row+1)*w]
		for i, j := 0, w-1; i < j; i, j = i+1, j-1 {
			r[i], r[j] = r[j], r[i]
		}
	}
}
