package morphology

import (
	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// Complement returns the voxel-wise negation of m
func Complement(m *models.Mask) *models.Mask {
	out := models.NewMask(m.Grid)
	for i, v := range m.Data {
		out.Data[i] = !v
	}
	return out
}

// And returns a ∧ b
func And(a, b *models.Mask) *models.Mask {
	sameGrid(a.Grid, b.Grid)
	out := models.NewMask(a.Grid)
	for i := range a.Data {
		out.Data[i] = a.Data[i] && b.Data[i]
	}
	return out
}

// AndNot returns a ∧ ¬b
func AndNot(a, b *models.Mask) *models.Mask {
	sameGrid(a.Grid, b.Grid)
	out := models.NewMask(a.Grid)
	for i := range a.Data {
		out.Data[i] = a.Data[i] && !b.Data[i]
	}
	return out
}

// FromLabels returns the mask of voxels whose label equals want
func FromLabels(labels []uint8, g geometry.Grid, want uint8) *models.Mask {
	out := models.NewMask(g)
	for i, v := range labels {
		out.Data[i] = v == want
	}
	return out
}
