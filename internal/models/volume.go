package models

import (
	"fmt"

	"prostatezones/pkg/geometry"
)

// Volume is a 3D scalar image
type Volume struct {
	geometry.Grid

	// Data is the voxel data in z*W*H + y*W + x order
	Data []float64
}

// NewVolume allocates a zero-filled volume on the grid
func NewVolume(g geometry.Grid) *Volume {
	return &Volume{Grid: g, Data: make([]float64, g.Len())}
}

// At returns the voxel value at (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Offset(x, y, z)]
}

// Set stores a voxel value at (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Offset(x, y, z)] = value
}

// Clone returns a deep copy
func (v *Volume) Clone() *Volume {
	out := &Volume{Grid: v.Grid, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Float32 returns the voxel data converted to float32
func (v *Volume) Float32() []float32 {
	out := make([]float32, len(v.Data))
	for i, val := range v.Data {
		out[i] = float32(val)
	}
	return out
}

// LabelVolume is a segmentation on the zone label set
type LabelVolume struct {
	geometry.Grid

	// Data holds one Zone label per voxel
	Data []uint8
}

// NewLabelVolume allocates a background-filled label volume
func NewLabelVolume(g geometry.Grid) *LabelVolume {
	return &LabelVolume{Grid: g, Data: make([]uint8, g.Len())}
}

// At returns the label at (x, y, z)
func (l *LabelVolume) At(x, y, z int) uint8 {
	return l.Data[l.Offset(x, y, z)]
}

// Clone returns a deep copy
func (l *LabelVolume) Clone() *LabelVolume {
	out := &LabelVolume{Grid: l.Grid, Data: make([]uint8, len(l.Data))}
	copy(out.Data, l.Data)
	return out
}

// ZoneMask returns the voxels carrying the given zone label
func (l *LabelVolume) ZoneMask(z Zone) *Mask {
	m := NewMask(l.Grid)
	for i, v := range l.Data {
		m.Data[i] = v == uint8(z)
	}
	return m
}

// Validate checks that every label belongs to the zone label set
func (l *LabelVolume) Validate() error {
	for i, v := range l.Data {
		if int(v) >= NumZones {
			x, y, z := l.Coords(i)
			return fmt.Errorf("label %d at voxel (%d,%d,%d) is outside the zone label set", v, x, y, z)
		}
	}
	return nil
}

// Mask is a boolean volume, one per zone or foreground region
type Mask struct {
	geometry.Grid
	Data []bool
}

// NewMask allocates an all-false mask
func NewMask(g geometry.Grid) *Mask {
	return &Mask{Grid: g, Data: make([]bool, g.Len())}
}

// Count returns the number of true voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v {
			n++
		}
	}
	return n
}

// Clone returns a deep copy
func (m *Mask) Clone() *Mask {
	out := &Mask{Grid: m.Grid, Data: make([]bool, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// ProbabilityVolume holds per-voxel class likelihoods produced by the model.
// Channel c of voxel (x, y, z) is stored at c*N + z*W*H + y*W + x, which is
// also the layout of a (C, Z, Y, X) C-order array.
type ProbabilityVolume struct {
	geometry.Grid
	Channels int
	Data     []float32
}

// NewProbabilityVolume allocates a zero-filled probability volume
func NewProbabilityVolume(g geometry.Grid, channels int) *ProbabilityVolume {
	return &ProbabilityVolume{Grid: g, Channels: channels, Data: make([]float32, g.Len()*channels)}
}

// Channel returns the slice backing channel c
func (p *ProbabilityVolume) Channel(c int) []float32 {
	n := p.Len()
	return p.Data[c*n : (c+1)*n]
}

// Argmax returns, per voxel, the first channel attaining the maximum value
func (p *ProbabilityVolume) Argmax() []uint8 {
	n := p.Len()
	out := make([]uint8, n)
	for i := 0; i < n; i++ {
		best := p.Data[i]
		for c := 1; c < p.Channels; c++ {
			if v := p.Data[c*n+i]; v > best {
				best = v
				out[i] = uint8(c)
			}
		}
	}
	return out
}

// CaseImages holds the co-registered image channels of one case. T2 is
// required, ADC and HBV are optional.
type CaseImages struct {
	T2  *Volume
	ADC *Volume
	HBV *Volume
}

// Channel identifies an image sequence
type Channel struct {
	Name   string
	Volume *Volume
}

// Channels returns the present channels in T2, ADC, HBV order
func (c CaseImages) Channels() []Channel {
	out := []Channel{{Name: "t2", Volume: c.T2}}
	if c.ADC != nil {
		out = append(out, Channel{Name: "adc", Volume: c.ADC})
	}
	if c.HBV != nil {
		out = append(out, Channel{Name: "hbv", Volume: c.HBV})
	}
	return out
}

// Map applies fn to every present channel and returns the result
func (c CaseImages) Map(fn func(*Volume) *Volume) CaseImages {
	out := CaseImages{T2: fn(c.T2)}
	if c.ADC != nil {
		out.ADC = fn(c.ADC)
	}
	if c.HBV != nil {
		out.HBV = fn(c.HBV)
	}
	return out
}
