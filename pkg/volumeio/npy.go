// Package volumeio reads and writes the file formats the pipelines exchange
// with the outside world: DICOM series and NRRD/NIfTI volumes on input,
// NumPy .npy arrays and .npz archives on output.
package volumeio

import (
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/sbinet/npyio"
)

// Array is an n-dimensional NumPy array in C (row-major) order. Data holds
// one of []float32, []float64, []uint8, []bool or []int64.
type Array struct {
	Shape []int
	Data  interface{}
}

// Len returns the product of the shape.
func (a Array) Len() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

// Float32s returns the data converted to float32.
func (a Array) Float32s() ([]float32, error) {
	switch d := a.Data.(type) {
	case []float32:
		return d, nil
	case []float64:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, nil
	case []uint8:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, nil
	case []int64:
		out := make([]float32, len(d))
		for i, v := range d {
			out[i] = float32(v)
		}
		return out, nil
	case []bool:
		out := make([]float32, len(d))
		for i, v := range d {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported array data type %T", a.Data)
}

// ndarray copies the flat data into a nested fixed-size Go array of the
// array's shape, e.g. [Z][Y][X]float32. npyio writes slices as 1-d but
// takes the full shape from nested arrays.
func (a Array) ndarray() (interface{}, error) {
	switch a.Data.(type) {
	case []float32, []float64, []uint8, []bool, []int64:
	default:
		return nil, fmt.Errorf("unsupported array data type %T", a.Data)
	}
	if len(a.Shape) == 0 {
		return nil, fmt.Errorf("array has no shape")
	}

	src := reflect.ValueOf(a.Data)
	if src.Len() != a.Len() {
		return nil, fmt.Errorf("array holds %d values but shape %v needs %d", src.Len(), a.Shape, a.Len())
	}

	t := src.Type().Elem()
	for i := len(a.Shape) - 1; i >= 0; i-- {
		if a.Shape[i] < 0 {
			return nil, fmt.Errorf("negative dimension in shape %v", a.Shape)
		}
		t = reflect.ArrayOf(a.Shape[i], t)
	}
	dst := reflect.New(t)
	fillArray(dst.Elem(), src, a.Shape)
	return dst.Interface(), nil
}

func fillArray(dst, src reflect.Value, shape []int) {
	if len(shape) == 1 {
		reflect.Copy(dst, src)
		return
	}
	step := 1
	for _, s := range shape[1:] {
		step *= s
	}
	for i := 0; i < shape[0]; i++ {
		fillArray(dst.Index(i), src.Slice(i*step, (i+1)*step), shape[1:])
	}
}

// WriteNPY writes a as a .npy stream.
func WriteNPY(w io.Writer, a Array) error {
	v, err := a.ndarray()
	if err != nil {
		return err
	}
	return npyio.Write(w, v)
}

// ReadNPY reads a .npy stream. Fortran-ordered arrays are returned in C
// order.
func ReadNPY(r io.Reader) (Array, error) {
	nr, err := npyio.NewReader(r)
	if err != nil {
		return Array{}, fmt.Errorf("reading npy header: %w", err)
	}

	hdr := nr.Header
	a := Array{Shape: append([]int(nil), hdr.Descr.Shape...)}
	switch kind := strings.TrimLeft(hdr.Descr.Type, "<>|="); kind {
	case "f4":
		a.Data, err = readNPYData[float32](nr)
	case "f8":
		a.Data, err = readNPYData[float64](nr)
	case "u1":
		a.Data, err = readNPYData[uint8](nr)
	case "i8":
		a.Data, err = readNPYData[int64](nr)
	case "b1":
		a.Data, err = readNPYData[bool](nr)
	default:
		return a, fmt.Errorf("unsupported npy dtype %q", hdr.Descr.Type)
	}
	if err != nil {
		return a, fmt.Errorf("reading npy data: %w", err)
	}

	if hdr.Descr.Fortran && len(a.Shape) > 1 {
		a.Data = fortranToC(a.Data, a.Shape)
	}
	return a, nil
}

func readNPYData[T any](nr *npyio.Reader) ([]T, error) {
	var d []T
	err := nr.Read(&d)
	return d, err
}

// fortranToC reorders column-major data of the given shape into row-major.
func fortranToC(data interface{}, shape []int) interface{} {
	n := 1
	for _, s := range shape {
		n *= s
	}
	// perm[c] is the column-major position of row-major element c
	perm := make([]int, n)
	idx := make([]int, len(shape))
	for c := 0; c < n; c++ {
		f, stride := 0, 1
		for d := 0; d < len(shape); d++ {
			f += idx[d] * stride
			stride *= shape[d]
		}
		perm[c] = f
		for d := len(shape) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < shape[d] {
				break
			}
			idx[d] = 0
		}
	}

	switch d := data.(type) {
	case []float32:
		return permute(d, perm)
	case []float64:
		return permute(d, perm)
	case []uint8:
		return permute(d, perm)
	case []bool:
		return permute(d, perm)
	case []int64:
		return permute(d, perm)
	}
	return data
}

func permute[T any](in []T, perm []int) []T {
	out := make([]T, len(in))
	for c, f := range perm {
		out[c] = in[f]
	}
	return out
}
