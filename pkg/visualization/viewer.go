package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"gonum.org/v1/gonum/stat"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// ZoneColors is the overlay colour of each zone. Background is transparent.
var ZoneColors = [models.NumZones]color.RGBA{
	models.Background: {0, 0, 0, 0},
	models.PZ:         {230, 25, 75, 255},
	models.CZ:         {60, 180, 75, 255},
	models.TZ:         {0, 130, 200, 255},
	models.AFS:        {245, 130, 48, 255},
	models.Urethra:    {255, 225, 25, 255},
}

// Viewer renders quality-control slices of a case: a grey image, a zone
// overlay, or both blended.
type Viewer struct {
	grid   geometry.Grid
	image  *models.Volume
	labels *models.LabelVolume

	// display window of the image intensities
	low, high float64

	// Opacity of the zone overlay in [0, 1]
	Opacity float64
}

// NewViewer creates a viewer over an image, a label volume or both. When
// both are given they must share the same voxel lattice. The grey window
// spans the 1st to 99th intensity percentile.
func NewViewer(img *models.Volume, labels *models.LabelVolume) (*Viewer, error) {
	v := &Viewer{image: img, labels: labels, Opacity: 0.45}
	switch {
	case img == nil && labels == nil:
		return nil, fmt.Errorf("nothing to view")
	case img != nil:
		v.grid = img.Grid
		if labels != nil && labels.Size != img.Size {
			return nil, fmt.Errorf("label size %v differs from image size %v", labels.Size, img.Size)
		}
		v.low, v.high = window(img.Data)
	default:
		v.grid = labels.Grid
	}
	return v, nil
}

func window(data []float64) (float64, float64) {
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)
	lo := stat.Quantile(0.01, stat.LinInterp, sorted, nil)
	hi := stat.Quantile(0.99, stat.LinInterp, sorted, nil)
	if !(hi > lo) {
		hi = lo + 1
	}
	return lo, hi
}

// Size returns the voxel lattice size of the viewed volume
func (v *Viewer) Size() [3]int {
	return v.grid.Size
}

// ExtractSlice renders one slice along the given axis. Slices along x are
// laid out depth by height, slices along y width by depth.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	w, h, d := v.grid.Size[0], v.grid.Size[1], v.grid.Size[2]

	var cols, rows int
	var voxel func(c, r int) (int, int, int)
	switch axis {
	case "x", "X":
		if position >= w {
			return nil, fmt.Errorf("position %d exceeds width %d", position, w)
		}
		cols, rows = d, h
		voxel = func(c, r int) (int, int, int) { return position, r, c }
	case "y", "Y":
		if position >= h {
			return nil, fmt.Errorf("position %d exceeds height %d", position, h)
		}
		cols, rows = w, d
		voxel = func(c, r int) (int, int, int) { return c, position, r }
	case "z", "Z":
		if position >= d {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, d)
		}
		cols, rows = w, h
		voxel = func(c, r int) (int, int, int) { return c, r, position }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, cols, rows))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			img.SetRGBA(c, r, v.pixel(v.grid.Offset(voxel(c, r))))
		}
	}
	return img, nil
}

// pixel blends the grey value and zone colour of one voxel.
func (v *Viewer) pixel(i int) color.RGBA {
	var grey float64
	if v.image != nil {
		grey = math.Max(0, math.Min(1, (v.image.Data[i]-v.low)/(v.high-v.low)))
	}
	out := color.RGBA{uint8(grey * 255), uint8(grey * 255), uint8(grey * 255), 255}
	if v.labels == nil {
		return out
	}

	zone := v.labels.Data[i]
	if int(zone) >= len(ZoneColors) || ZoneColors[zone].A == 0 {
		return out
	}
	alpha := v.Opacity
	if v.image == nil {
		alpha = 1
	}
	zc := ZoneColors[zone]
	blend := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a)*(1-alpha) + float64(b)*alpha))
	}
	return color.RGBA{blend(out.R, zc.R), blend(out.G, zc.G), blend(out.B, zc.B), 255}
}

// SaveSlice writes an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence renders and saves every slice along the axis as
// <prefix>_<axis>_<index>.png in outputDir.
func (v *Viewer) SaveSliceSequence(axis, outputDir, prefix string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.grid.Size[0]
	case "y", "Y":
		maxPos = v.grid.Size[1]
	case "z", "Z":
		maxPos = v.grid.Size[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s_%03d.png", prefix, axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}
