package volumeio

import (
	"fmt"
	"os"
	"strings"

	"github.com/carbocation/pfx"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// ReadVolume reads a volume by path: a directory is read as a DICOM series,
// files by their .nrrd, .nii or .nii.gz extension.
func ReadVolume(path string) (*models.Volume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	if info.IsDir() {
		return ReadDICOMSeries(path)
	}

	switch lower := strings.ToLower(path); {
	case strings.HasSuffix(lower, ".nrrd"):
		return ReadNRRD(path)
	case strings.HasSuffix(lower, ".nii"), strings.HasSuffix(lower, ".nii.gz"):
		return ReadNIfTI(path)
	}
	return nil, pfx.Err(fmt.Errorf("%s: unrecognized volume format", path))
}

// ReadGrid reads only the voxel grid of a reference image.
func ReadGrid(path string) (geometry.Grid, error) {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz") {
		return ReadNIfTIGrid(path)
	}
	v, err := ReadVolume(path)
	if err != nil {
		return geometry.Grid{}, err
	}
	return v.Grid, nil
}

// VolumeArray returns the volume as a float32 array of shape (Z, Y, X).
func VolumeArray(v *models.Volume) Array {
	return Array{Shape: []int{v.Size[2], v.Size[1], v.Size[0]}, Data: v.Float32()}
}

// MaskArray returns the mask as a bool array of shape (Z, Y, X).
func MaskArray(m *models.Mask) Array {
	return Array{Shape: []int{m.Size[2], m.Size[1], m.Size[0]}, Data: m.Data}
}

// LabelArrayXYZ returns the labels as a uint8 array of shape (X, Y, Z), the
// axis order of the reference image.
func LabelArrayXYZ(l *models.LabelVolume) Array {
	nx, ny, nz := l.Size[0], l.Size[1], l.Size[2]
	out := make([]uint8, len(l.Data))
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			for x := 0; x < nx; x++ {
				out[(x*ny+y)*nz+z] = l.Data[l.Offset(x, y, z)]
			}
		}
	}
	return Array{Shape: []int{nx, ny, nz}, Data: out}
}

// ProbabilitiesFromArray builds a probability volume from an array of shape
// (C, Z, Y, X) placed on grid g.
func ProbabilitiesFromArray(a Array, g geometry.Grid) (*models.ProbabilityVolume, error) {
	if len(a.Shape) != 4 {
		return nil, fmt.Errorf("expected a (C, Z, Y, X) array, got shape %v", a.Shape)
	}
	if a.Shape[1] != g.Size[2] || a.Shape[2] != g.Size[1] || a.Shape[3] != g.Size[0] {
		return nil, fmt.Errorf("probability shape %v does not match reference size %v", a.Shape, g.Size)
	}
	data, err := a.Float32s()
	if err != nil {
		return nil, err
	}
	return &models.ProbabilityVolume{Grid: g, Channels: a.Shape[0], Data: data}, nil
}
