// Package augment draws per-case geometric augmentations and applies them to
// an image/segmentation pair, producing the fixed-size, intensity-normalized
// training samples.
package augment

import (
	"fmt"
	"strings"
)

// Mode selects how aggressive the random draws are
type Mode int

const (
	Train Mode = iota
	Validate
	Inference
)

// ModeParams is one row of the augmentation table.
//
// Translation offsets are drawn from [int(Slack*h), int(h/Slack)) where h is
// half the free space between the bounding box and the output window on that
// axis. An axis without jitter always uses h.
type ModeParams struct {
	RotationDeg float64 // rotation drawn from U(-RotationDeg, RotationDeg)
	ScaleMin    float64
	ScaleMax    float64
	NoiseMax    float64 // noise sigma drawn from U(0, NoiseMax)
	SlackXY     float64
	SlackZ      float64
	JitterXY    bool
	JitterZ     bool
}

// Modes is the single source of the per-mode draw ranges
var Modes = map[Mode]ModeParams{
	Train: {
		RotationDeg: 30,
		ScaleMin:    0.925,
		ScaleMax:    1 / 0.925,
		NoiseMax:    0.1,
		SlackXY:     0.75,
		SlackZ:      0.80,
		JitterXY:    true,
		JitterZ:     true,
	},
	Validate: {
		RotationDeg: 10,
		ScaleMin:    0.975,
		ScaleMax:    1 / 0.975,
		SlackXY:     0.90,
		JitterXY:    true,
	},
	Inference: {
		ScaleMin: 1,
		ScaleMax: 1,
	},
}

func (m Mode) String() string {
	switch m {
	case Train:
		return "Train"
	case Validate:
		return "Validate"
	case Inference:
		return "Test"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Params returns the table row for the mode
func (m Mode) Params() ModeParams {
	return Modes[m]
}

// ParseMode accepts the split names used on disk as well as the mode names
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train", "training":
		return Train, nil
	case "validate", "validation", "val":
		return Validate, nil
	case "test", "inference":
		return Inference, nil
	}
	return 0, fmt.Errorf("unknown mode %q (expected train, validate or test)", s)
}
