package morphology

import (
	"math"

	"prostatezones/internal/models"
)

// DistanceToFeature returns, for every voxel, the Euclidean distance in
// physical units to the nearest true voxel of m. Feature voxels are at 0.
// When m has no true voxel every distance is +Inf.
//
// The transform is separable: squared distances are propagated along x, y
// and z in turn with the lower envelope of parabolas (Felzenszwalb and
// Huttenlocher), each axis scaled by its voxel spacing.
func DistanceToFeature(m *models.Mask) []float64 {
	g := m.Grid
	d := make([]float64, len(m.Data))
	for i, v := range m.Data {
		if v {
			d[i] = 0
		} else {
			d[i] = math.Inf(1)
		}
	}

	longest := max(g.Size[0], g.Size[1], g.Size[2])
	line := make([]float64, longest)
	out := make([]float64, longest)
	env := newEnvelope(longest)

	strides := [3]int{1, g.Size[0], g.Size[0] * g.Size[1]}
	for axis := 0; axis < 3; axis++ {
		n := g.Size[axis]
		stride := strides[axis]
		spacing := g.Spacing[axis]

		for start := 0; start < len(d); start++ {
			// start enumerates every line once: the index along axis must be 0
			if (start/stride)%n != 0 {
				continue
			}
			for i := 0; i < n; i++ {
				line[i] = d[start+i*stride]
			}
			env.transform(line[:n], out[:n], spacing)
			for i := 0; i < n; i++ {
				d[start+i*stride] = out[i]
			}
		}
	}

	for i, v := range d {
		d[i] = math.Sqrt(v)
	}
	return d
}

// envelope holds the scratch buffers of the 1D transform
type envelope struct {
	v []int
	z []float64
}

func newEnvelope(n int) *envelope {
	return &envelope{v: make([]int, n), z: make([]float64, n+1)}
}

// transform computes out[p] = min_q (p-q)²·s² + f[q] over finite f[q]
func (e *envelope) transform(f, out []float64, s float64) {
	n := len(f)
	k := -1
	for q := 0; q < n; q++ {
		if math.IsInf(f[q], 1) {
			continue
		}
		if k < 0 {
			k = 0
			e.v[0] = q
			e.z[0] = math.Inf(-1)
			e.z[1] = math.Inf(1)
			continue
		}
		sq := e.intersect(f, q, e.v[k], s)
		for sq <= e.z[k] {
			k--
			sq = e.intersect(f, q, e.v[k], s)
		}
		k++
		e.v[k] = q
		e.z[k] = sq
		e.z[k+1] = math.Inf(1)
	}

	if k < 0 {
		for p := range out {
			out[p] = math.Inf(1)
		}
		return
	}

	k = 0
	for p := 0; p < n; p++ {
		pos := float64(p) * s
		for e.z[k+1] < pos {
			k++
		}
		d := pos - float64(e.v[k])*s
		out[p] = d*d + f[e.v[k]]
	}
}

// intersect returns the physical position where the parabolas rooted at q
// and r meet
func (e *envelope) intersect(f []float64, q, r int, s float64) float64 {
	pq := float64(q) * s
	pr := float64(r) * s
	return ((f[q] + pq*pq) - (f[r] + pr*pr)) / (2 * (pq - pr))
}
