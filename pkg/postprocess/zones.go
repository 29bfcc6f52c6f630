package postprocess

import (
	"prostatezones/internal/models"
	"prostatezones/pkg/morphology"
)

// unassigned marks a voxel no zone has claimed yet
const unassigned = 0xff

// Prostate separates the gland from the background. The background is the
// largest component of the voxels whose most likely class is background;
// the prostate is the largest component of what remains, which absorbs
// background pockets enclosed by the gland.
func Prostate(prob *models.ProbabilityVolume) *models.Mask {
	background := morphology.FromLabels(prob.Argmax(), prob.Grid, uint8(models.Background))
	return morphology.LargestComponent(morphology.Complement(morphology.LargestComponent(background)))
}

// Simple labels every voxel with the argmax over the background mask, the
// raw PZ, CZ, TZ and AFS probabilities and the urethra mask. The masks enter
// as 0/1 values next to the probabilities.
func Simple(prob *models.ProbabilityVolume, prostate, urethra *models.Mask) *models.LabelVolume {
	out := models.NewLabelVolume(prob.Grid)
	gland := models.GlandZones()
	channels := make([][]float32, len(gland))
	for i, z := range gland {
		channels[i] = prob.Channel(int(z))
	}

	for i := range out.Data {
		best := models.Background
		bestValue := indicator(!prostate.Data[i])
		for c, z := range gland {
			if v := channels[c][i]; v > bestValue {
				best, bestValue = z, v
			}
		}
		if v := indicator(urethra.Data[i]); v > bestValue {
			best = models.Urethra
		}
		out.Data[i] = uint8(best)
	}
	return out
}

func indicator(b bool) float32 {
	if b {
		return 1
	}
	return 0
}

// Full builds the label volume by explicit voxel ownership. Outside the
// prostate is background and the urethra mask owns its voxels. Each gland
// zone claims the largest component of its argmax region inside the
// prostate, minus the urethra. Prostate voxels left unclaimed go to the zone
// nearest in physical distance; ties keep the earlier zone in PZ, CZ, TZ,
// AFS order. It returns the labels and the number of voxels filled by
// distance.
func Full(prob *models.ProbabilityVolume, prostate, urethra *models.Mask) (*models.LabelVolume, int) {
	g := prob.Grid
	argmax := prob.Argmax()

	owner := make([]uint8, g.Len())
	for i := range owner {
		switch {
		case !prostate.Data[i]:
			owner[i] = uint8(models.Background)
		case urethra.Data[i]:
			owner[i] = uint8(models.Urethra)
		default:
			owner[i] = unassigned
		}
	}

	gland := models.GlandZones()
	zones := make([]*models.Mask, len(gland))
	for c, z := range gland {
		region := morphology.And(morphology.FromLabels(argmax, g, uint8(z)), prostate)
		zones[c] = morphology.AndNot(morphology.LargestComponent(region), urethra)
		for i, in := range zones[c].Data {
			if in && owner[i] == unassigned {
				owner[i] = uint8(z)
			}
		}
	}

	filled := 0
	var distances [][]float64
	for i, o := range owner {
		if o != unassigned {
			continue
		}
		if distances == nil {
			distances = make([][]float64, len(zones))
			for c, m := range zones {
				distances[c] = morphology.DistanceToFeature(m)
			}
		}
		best := 0
		for c := 1; c < len(zones); c++ {
			if distances[c][i] < distances[best][i] {
				best = c
			}
		}
		owner[i] = uint8(gland[best])
		filled++
	}

	return &models.LabelVolume{Grid: g, Data: owner}, filled
}
