package volumeio

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// ErrNoSeries is returned when a directory holds no readable DICOM slice
var ErrNoSeries = errors.New("no DICOM series found")

// dicomSlice is one parsed image of a series
type dicomSlice struct {
	series    string
	position  [3]float64
	orient    [6]float64
	spacing   [2]float64 // row, column spacing as stored in PixelSpacing
	thickness float64
	rows      int
	cols      int
	pixels    []float64
}

// ReadDICOMSeries reads the image series stored in dir. When the directory
// mixes several series, the one with the most slices is used. Slices are
// ordered along the slice normal and the rescale slope and intercept are
// applied.
func ReadDICOMSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, pfx.Err(err)
	}

	bySeries := make(map[string][]dicomSlice)
	var lastErr error
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := readDICOMSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			// not every file in a series folder is an image
			lastErr = err
			continue
		}
		bySeries[s.series] = append(bySeries[s.series], s)
	}

	var slices []dicomSlice
	var uids []string
	for uid := range bySeries {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	for _, uid := range uids {
		if len(bySeries[uid]) > len(slices) {
			slices = bySeries[uid]
		}
	}
	if len(slices) == 0 {
		if lastErr != nil {
			return nil, pfx.Err(fmt.Errorf("%s: %w (last error: %v)", dir, ErrNoSeries, lastErr))
		}
		return nil, pfx.Err(fmt.Errorf("%s: %w", dir, ErrNoSeries))
	}

	v, err := assembleSeries(slices)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", dir, err))
	}
	return v, nil
}

// assembleSeries stacks slices of one series into a volume.
func assembleSeries(slices []dicomSlice) (*models.Volume, error) {
	first := slices[0]
	row := [3]float64{first.orient[0], first.orient[1], first.orient[2]}
	col := [3]float64{first.orient[3], first.orient[4], first.orient[5]}
	normal := cross(row, col)

	depth := func(s dicomSlice) float64 {
		return s.position[0]*normal[0] + s.position[1]*normal[1] + s.position[2]*normal[2]
	}
	sort.SliceStable(slices, func(i, j int) bool { return depth(slices[i]) < depth(slices[j]) })
	// the origin is the position of the lowest slice
	first = slices[0]

	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("slice size %dx%d differs from %dx%d", s.cols, s.rows, first.cols, first.rows)
		}
	}

	zSpacing := first.thickness
	if len(slices) > 1 {
		zSpacing = (depth(slices[len(slices)-1]) - depth(slices[0])) / float64(len(slices)-1)
		for i := 1; i < len(slices); i++ {
			if depth(slices[i])-depth(slices[i-1]) < 1e-6 {
				return nil, fmt.Errorf("two slices share position %v", slices[i].position)
			}
		}
	}
	if !(zSpacing > 0) {
		zSpacing = 1
	}

	// the grid x axis runs along a row, so its spacing is the column spacing
	g := geometry.Grid{
		Size:    [3]int{first.cols, first.rows, len(slices)},
		Spacing: [3]float64{first.spacing[1], first.spacing[0], zSpacing},
		Origin:  first.position,
	}
	for r := 0; r < 3; r++ {
		g.Direction[r*3+0] = row[r]
		g.Direction[r*3+1] = col[r]
		g.Direction[r*3+2] = normal[r]
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}

	v := models.NewVolume(g)
	plane := first.rows * first.cols
	for z, s := range slices {
		copy(v.Data[z*plane:(z+1)*plane], s.pixels)
	}
	return v, nil
}

func readDICOMSlice(path string) (dicomSlice, error) {
	var s dicomSlice

	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return s, err
	}

	if uid, err := dicomStrings(ds, tag.SeriesInstanceUID); err == nil && len(uid) > 0 {
		s.series = uid[0]
	}

	pos, err := dicomFloats(ds, tag.ImagePositionPatient, 3)
	if err != nil {
		return s, err
	}
	copy(s.position[:], pos)

	orient, err := dicomFloats(ds, tag.ImageOrientationPatient, 6)
	if err != nil {
		return s, err
	}
	copy(s.orient[:], orient)

	spacing, err := dicomFloats(ds, tag.PixelSpacing, 2)
	if err != nil {
		return s, err
	}
	copy(s.spacing[:], spacing)

	if th, err := dicomFloats(ds, tag.SliceThickness, 1); err == nil {
		s.thickness = th[0]
	}

	slope, intercept := 1.0, 0.0
	if v, err := dicomFloats(ds, tag.RescaleSlope, 1); err == nil && v[0] != 0 {
		slope = v[0]
	}
	if v, err := dicomFloats(ds, tag.RescaleIntercept, 1); err == nil {
		intercept = v[0]
	}

	pixelData, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return s, err
	}
	info := dicom.MustGetPixelDataInfo(pixelData.Value)
	if len(info.Frames) != 1 {
		return s, fmt.Errorf("%s: expected one frame, got %d", path, len(info.Frames))
	}
	native, err := info.Frames[0].GetNativeFrame()
	if err != nil {
		return s, fmt.Errorf("%s: %w", path, err)
	}

	s.rows, s.cols = native.Rows, native.Cols
	s.pixels = make([]float64, s.rows*s.cols)
	for i := range s.pixels {
		s.pixels[i] = float64(native.Data[i][0])*slope + intercept
	}
	return s, nil
}

func dicomStrings(ds dicom.Dataset, t tag.Tag) ([]string, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok {
		return nil, fmt.Errorf("tag %v does not hold strings", t)
	}
	return values, nil
}

// dicomFloats reads at least n numbers from a decimal string element.
func dicomFloats(ds dicom.Dataset, t tag.Tag, n int) ([]float64, error) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, err
	}

	var out []float64
	switch values := el.Value.GetValue().(type) {
	case []string:
		for _, v := range values {
			// multi-valued strings may arrive joined by backslashes
			for _, part := range strings.Split(v, "\\") {
				part = strings.TrimSpace(part)
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil, fmt.Errorf("tag %v: %w", t, err)
				}
				out = append(out, f)
			}
		}
	case []float64:
		out = values
	case []int:
		for _, v := range values {
			out = append(out, float64(v))
		}
	default:
		return nil, fmt.Errorf("tag %v does not hold numbers", t)
	}

	if len(out) < n {
		return nil, fmt.Errorf("tag %v holds %d values, want %d", t, len(out), n)
	}
	for _, f := range out {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("tag %v holds a non-finite value", t)
		}
	}
	return out[:n], nil
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}
