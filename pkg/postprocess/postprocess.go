// Package postprocess turns the per-voxel class probabilities of the zonal
// segmentation model into a final label volume: prostate/background
// separation by connected components, a fitted and redrawn urethra, and
// either a plain argmax (simple mode) or zone arbitration with nearest-zone
// filling (full mode).
package postprocess

import (
	"fmt"
	"strings"

	"prostatezones/internal/models"
)

// Mode selects how zones are resolved
type Mode int

const (
	// ModeFull arbitrates zones by ownership and fills gaps by distance
	ModeFull Mode = iota
	// ModeSimple takes the argmax of masks and raw probabilities
	ModeSimple
)

func (m Mode) String() string {
	if m == ModeSimple {
		return "simple"
	}
	return "full"
}

// ParseMode parses "simple" or "full"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "":
		return ModeFull, nil
	case "simple":
		return ModeSimple, nil
	}
	return ModeFull, fmt.Errorf("unknown postprocess mode %q (expected simple or full)", s)
}

// DefaultRadiusMM is the default radius of the drawn urethra
const DefaultRadiusMM = 3.0

// Options controls a postprocess run
type Options struct {
	Mode     Mode
	RadiusMM float64
}

// DefaultOptions returns full mode with a 3 mm urethra
func DefaultOptions() Options {
	return Options{Mode: ModeFull, RadiusMM: DefaultRadiusMM}
}

// Report summarizes one postprocessed case
type Report struct {
	ProstateVoxels int
	UrethraVoxels  int
	WeightedSlices int  // slices contributing to the centerline fit
	HasUrethra     bool // false when no slice carried urethra signal
	FilledVoxels   int  // prostate voxels assigned by distance (full mode)
	ZoneVoxels     [models.NumZones]int
}

// Run postprocesses one probability volume. The grid spacing of prob must be
// the physical spacing of the case.
func Run(prob *models.ProbabilityVolume, opts Options) (*models.LabelVolume, Report, error) {
	var report Report
	if prob.Channels != models.NumZones {
		return nil, report, fmt.Errorf("expected %d probability channels, got %d", models.NumZones, prob.Channels)
	}
	if err := prob.Validate(); err != nil {
		return nil, report, fmt.Errorf("invalid probability grid: %w", err)
	}
	if len(prob.Data) != prob.Len()*prob.Channels {
		return nil, report, fmt.Errorf("probability data holds %d values, grid needs %d", len(prob.Data), prob.Len()*prob.Channels)
	}
	if !(opts.RadiusMM > 0) {
		return nil, report, fmt.Errorf("urethra radius must be positive, got %f", opts.RadiusMM)
	}

	prostate := Prostate(prob)
	report.ProstateVoxels = prostate.Count()

	samples := SliceMaxima(prob.Channel(int(models.Urethra)), prob.Grid)
	for _, s := range samples {
		if s.Weight > 0 {
			report.WeightedSlices++
		}
	}
	line, ok, err := FitCenterline(samples)
	if err != nil {
		return nil, report, err
	}

	urethra := models.NewMask(prob.Grid)
	if ok {
		urethra = RenderUrethra(line, opts.RadiusMM, prostate)
		report.HasUrethra = true
	}
	report.UrethraVoxels = urethra.Count()

	var labels *models.LabelVolume
	switch opts.Mode {
	case ModeSimple:
		labels = Simple(prob, prostate, urethra)
	default:
		labels, report.FilledVoxels = Full(prob, prostate, urethra)
	}

	for _, v := range labels.Data {
		report.ZoneVoxels[v]++
	}
	return labels, report, nil
}
