package preparation

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"prostatezones/internal/models"
	"prostatezones/pkg/augment"
	"prostatezones/pkg/resample"
	"prostatezones/pkg/volumeio"
)

// Format selects what a preparation run writes
type Format int

const (
	// FormatNPZ writes augmented .npz samples per split
	FormatNPZ Format = iota
	// FormatNNUNet writes the un-augmented images and labels as an nnU-Net
	// raw dataset
	FormatNNUNet
)

func (f Format) String() string {
	switch f {
	case FormatNPZ:
		return "npz"
	case FormatNNUNet:
		return "nnunet"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// ParseFormat parses a format name, case-insensitively
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "", "npz":
		return FormatNPZ, nil
	case "nnunet":
		return FormatNNUNet, nil
	}
	return 0, fmt.Errorf("unknown output format %q (expected npz or nnunet)", s)
}

// nnU-Net raw dataset folders
const (
	NNUNetImagesTr = "imagesTr"
	NNUNetLabelsTr = "labelsTr"
	NNUNetImagesTs = "imagesTs"
)

// NNUNetCaseID returns the dataset identifier of a case: "PROSTATEx_" and
// the last three digits found in the case name.
func NNUNetCaseID(name string) (string, error) {
	var digits []rune
	for _, r := range name {
		if unicode.IsDigit(r) {
			digits = append(digits, r)
		}
	}
	if len(digits) == 0 {
		return "", fmt.Errorf("case name %q holds no digits", name)
	}
	if len(digits) > 3 {
		digits = digits[len(digits)-3:]
	}
	return "PROSTATEx_" + string(digits), nil
}

// nnunetDirs returns the image and label folders of a split. Test cases
// have no label folder.
func nnunetDirs(m augment.Mode) (images, labels string) {
	if m == augment.Inference {
		return NNUNetImagesTs, ""
	}
	return NNUNetImagesTr, NNUNetLabelsTr
}

// NNUNetFiles maps each channel of the images, and the segmentation when
// present, to its file under the dataset root. Channels are numbered in T2,
// ADC, HBV order starting at 0000.
func NNUNetFiles(id string, split augment.Mode, images models.CaseImages, withSeg bool) (channels []string, seg string) {
	imgDir, labelDir := nnunetDirs(split)
	for i := range images.Channels() {
		channels = append(channels, filepath.Join(imgDir, fmt.Sprintf("%s_%04d.nrrd", id, i)))
	}
	if withSeg && labelDir != "" {
		seg = filepath.Join(labelDir, id+".nrrd")
	}
	return channels, seg
}

// checkNNUNetIDs rejects runs where two cases would write the same files.
func checkNNUNetIDs(cases []Case) error {
	seen := make(map[string]string)
	for _, c := range cases {
		if c.Err != nil {
			continue
		}
		id, err := NNUNetCaseID(c.Name)
		if err != nil {
			return err
		}
		key := id
		if c.Split == augment.Inference {
			key = NNUNetImagesTs + "/" + id
		}
		if other, ok := seen[key]; ok {
			return fmt.Errorf("cases %s and %s both map to %s", other, c.Name, id)
		}
		seen[key] = c.Name
	}
	return nil
}

// exportCase writes one case into the nnU-Net raw layout. ADC and HBV are
// resampled onto the T2 grid and the segmentation follows with nearest
// neighbour interpolation.
func (p *Preparer) exportCase(ctx context.Context, c Case) CaseResult {
	res := CaseResult{Case: c}
	if res.Err = ctx.Err(); res.Err != nil {
		return res
	}

	id, err := NNUNetCaseID(c.Name)
	if err != nil {
		res.Err = err
		return res
	}
	images, seg, err := c.Load(p.params.Sequences)
	if err != nil {
		res.Err = err
		return res
	}

	ref := images.T2.Grid
	images = models.CaseImages{T2: images.T2, ADC: onto(images.ADC, ref), HBV: onto(images.HBV, ref)}
	channels, segFile := NNUNetFiles(id, c.Split, images, seg != nil)

	for i, ch := range images.Channels() {
		if res.Err = ctx.Err(); res.Err != nil {
			return res
		}
		path := filepath.Join(p.params.OutputDir, channels[i])
		if res.Err = volumeio.WriteNRRD(path, ch.Volume); res.Err != nil {
			return res
		}
		res.Outputs = append(res.Outputs, path)
	}
	if segFile != "" {
		path := filepath.Join(p.params.OutputDir, segFile)
		if res.Err = volumeio.WriteNRRDLabels(path, resample.LabelsToReference(seg, ref)); res.Err != nil {
			return res
		}
		res.Outputs = append(res.Outputs, path)
	}
	p.log.Debug().Str("case", c.Name).Str("id", id).Int("files", len(res.Outputs)).Msg("case exported")
	return res
}
