package volumeio

import (
	"fmt"

	"github.com/carbocation/pfx"
	"github.com/henghuang/nifti"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// safelyNiftiParse turns the panics of the nifti library into errors.
func safelyNiftiParse(filename string, rdata bool) (parsed nifti.Nifti1Image, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadImage(filename, rdata)
	return
}

func safelyNiftiHeaderParse(filename string) (parsed nifti.Nifti1Header, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	parsed.LoadHeader(filename)
	return
}

// ReadNIfTIGrid reads the voxel grid of a NIfTI file from its header. Only
// the lattice size and the pixdim spacing are used; the grid is placed at
// the origin with identity direction.
func ReadNIfTIGrid(path string) (geometry.Grid, error) {
	img, err := safelyNiftiParse(path, false)
	if err != nil {
		return geometry.Grid{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	header, err := safelyNiftiHeaderParse(path)
	if err != nil {
		return geometry.Grid{}, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return niftiGrid(img.GetDims(), [3]float64{float64(header.Pixdim[1]), float64(header.Pixdim[2]), float64(header.Pixdim[3])})
}

// ReadNIfTI reads the first time point of a NIfTI volume.
func ReadNIfTI(path string) (*models.Volume, error) {
	img, err := safelyNiftiParse(path, true)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	header, err := safelyNiftiHeaderParse(path)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	g, err := niftiGrid(img.GetDims(), [3]float64{float64(header.Pixdim[1]), float64(header.Pixdim[2]), float64(header.Pixdim[3])})
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}

	v := models.NewVolume(g)
	for z := 0; z < g.Size[2]; z++ {
		for y := 0; y < g.Size[1]; y++ {
			for x := 0; x < g.Size[0]; x++ {
				v.Set(x, y, z, float64(img.GetAt(x, y, z, 0)))
			}
		}
	}
	return v, nil
}

// niftiGrid builds the grid from the [x, y, z, t] dims of an image. Time
// points beyond the first are ignored.
func niftiGrid(dims [4]int, spacing [3]float64) (geometry.Grid, error) {
	size := [3]int{dims[0], dims[1], dims[2]}
	g := geometry.NewGrid(size, spacing)
	return g, g.Validate()
}
