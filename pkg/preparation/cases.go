// Package preparation turns raw prostate MRI cases into augmented training
// archives: it discovers cases per split, brings every sequence and the
// zone segmentation onto a common grid and writes one .npz per augmentation
// draw and flip.
package preparation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"prostatezones/internal/models"
	"prostatezones/pkg/augment"
	"prostatezones/pkg/volumeio"
)

// ErrNoSegmentation is returned for a training or validation case without a
// segmentation file
var ErrNoSegmentation = errors.New("no segmentation file (*Seg*.nrrd) found")

// Case is one patient folder of a split
type Case struct {
	Name  string
	Split augment.Mode
	Dir   string

	T2  string // DICOM directory or volume file of the axial T2 series
	ADC string // optional
	HBV string // optional
	Seg string // zone segmentation, optional for the test split

	// Err is set when the folder could not be scanned into a usable case.
	// The case still takes part in the run and fails there.
	Err error
}

// SplitDir returns the directory name of a split under the input root
func SplitDir(m augment.Mode) string {
	return m.String()
}

// DiscoverCases lists the case folders of one split, sorted by name. ADC and
// HBV entries are matched before the T2 entry since their series names often
// contain "tra" as well. A folder that cannot be scanned is returned with
// Err set so that one bad case does not hide the others.
func DiscoverCases(root string, split augment.Mode) ([]Case, error) {
	dir := filepath.Join(root, SplitDir(split))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read split directory: %w", err)
	}

	var cases []Case
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		c, err := scanCase(filepath.Join(dir, e.Name()), split)
		if err != nil {
			c.Err = err
		}
		cases = append(cases, c)
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].Name < cases[j].Name })
	return cases, nil
}

func scanCase(dir string, split augment.Mode) (Case, error) {
	c := Case{Name: filepath.Base(dir), Split: split, Dir: dir}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return c, err
	}
	for _, e := range entries {
		name := e.Name()
		lower := strings.ToLower(name)
		path := filepath.Join(dir, name)

		switch {
		case !e.IsDir() && strings.Contains(name, "Seg") && strings.HasSuffix(lower, ".nrrd"):
			c.Seg = path
		case strings.Contains(lower, "adc"):
			c.ADC = path
		case strings.Contains(lower, "hbv"):
			c.HBV = path
		case strings.Contains(lower, "tra") && (e.IsDir() || isVolumeFile(lower)):
			c.T2 = path
		}
	}

	if c.T2 == "" {
		return c, fmt.Errorf("no axial T2 series: %w", volumeio.ErrNoSeries)
	}
	return c, nil
}

func isVolumeFile(lower string) bool {
	for _, ext := range []string{".nrrd", ".nii", ".nii.gz"} {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// Load reads the case images and segmentation. Requested extra sequences
// ("adc", "hbv") must be present. The segmentation is required unless the
// case belongs to the test split.
func (c Case) Load(sequences []string) (models.CaseImages, *models.LabelVolume, error) {
	var images models.CaseImages
	var err error

	if c.Err != nil {
		return images, nil, c.Err
	}
	if c.Seg == "" && c.Split != augment.Inference {
		return images, nil, ErrNoSegmentation
	}
	if images.T2, err = volumeio.ReadVolume(c.T2); err != nil {
		return images, nil, fmt.Errorf("reading T2: %w", err)
	}

	for _, s := range sequences {
		var path string
		var dst **models.Volume
		switch strings.ToLower(s) {
		case "adc":
			path, dst = c.ADC, &images.ADC
		case "hbv":
			path, dst = c.HBV, &images.HBV
		default:
			return images, nil, fmt.Errorf("unknown sequence %q", s)
		}
		if path == "" {
			return images, nil, fmt.Errorf("case has no %s sequence", s)
		}
		if *dst, err = volumeio.ReadVolume(path); err != nil {
			return images, nil, fmt.Errorf("reading %s: %w", s, err)
		}
	}

	if c.Seg == "" {
		return images, nil, nil
	}
	seg, err := volumeio.ReadNRRDLabels(c.Seg)
	if err != nil {
		return images, nil, fmt.Errorf("reading segmentation: %w", err)
	}
	return images, seg, nil
}
