package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// MatrixFromAxisAngle builds the rotation matrix for a rotation of angle
// radians about axis using Rodrigues' formula. The axis is expected to be
// (close to) unit length; callers pass a column of an orthonormal direction
// matrix.
func MatrixFromAxisAngle(axis [3]float64, angle float64) *mat.Dense {
	ux, uy, uz := axis[0], axis[1], axis[2]
	c := math.Cos(angle)
	s := math.Sin(angle)
	ci := 1.0 - c

	return mat.NewDense(3, 3, []float64{
		ci*ux*ux + c, ci*ux*uy - uz*s, ci*ux*uz + uy*s,
		ci*uy*ux + uz*s, ci*uy*uy + c, ci*uy*uz - ux*s,
		ci*uz*ux - uy*s, ci*uz*uy + ux*s, ci*uz*uz + c,
	})
}

// Similarity is a rotation plus uniform scale about a fixed centre. It maps
// points of the output grid to the points of the input image that are
// sampled, which is the convention of resampling engines.
type Similarity struct {
	center [3]float64
	matrix [9]float64
	scale  float64
}

// NewSimilarity builds the similarity transform used for augmentation: a
// rotation of rotationDeg degrees about axis, a uniform scale and the given
// centre of rotation in physical coordinates.
func NewSimilarity(center [3]float64, rotationDeg, scale float64, axis [3]float64) Similarity {
	r := MatrixFromAxisAngle(axis, rotationDeg*math.Pi/180)

	t := Similarity{center: center, scale: scale}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.matrix[i*3+j] = r.At(i, j)
		}
	}
	return t
}

// IdentitySimilarity leaves every point in place.
func IdentitySimilarity() Similarity {
	return Similarity{matrix: Identity, scale: 1}
}

// Center returns the centre of rotation.
func (t Similarity) Center() [3]float64 { return t.center }

// Scale returns the uniform scale factor.
func (t Similarity) Scale() float64 { return t.scale }

// Matrix returns a copy of the rotation matrix.
func (t Similarity) Matrix() *mat.Dense {
	m := t.matrix
	return mat.NewDense(3, 3, m[:])
}

// IsIdentity reports whether the transform is a no-op.
func (t Similarity) IsIdentity() bool {
	return t.scale == 1 && t.matrix == Identity
}

// Apply maps p to scale·R·(p − centre) + centre.
func (t Similarity) Apply(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - t.center[0], p[1] - t.center[1], p[2] - t.center[2]}
	var out [3]float64
	for r := 0; r < 3; r++ {
		out[r] = t.center[r] + t.scale*(t.matrix[r*3]*d[0]+t.matrix[r*3+1]*d[1]+t.matrix[r*3+2]*d[2])
	}
	return out
}
