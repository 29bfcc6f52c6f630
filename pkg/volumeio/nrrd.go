package volumeio

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/carbocation/pfx"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
)

// nrrdScalar describes one NRRD scalar type
type nrrdScalar struct {
	size int
	read func(b []byte, order binary.ByteOrder) float64
}

var nrrdScalars = map[string]nrrdScalar{
	"int8":   {1, func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) }},
	"uint8":  {1, func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) }},
	"int16":  {2, func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) }},
	"uint16": {2, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) }},
	"int32":  {4, func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) }},
	"uint32": {4, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) }},
	"int64":  {8, func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) }},
	"uint64": {8, func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint64(b)) }},
	"float":  {4, func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) }},
	"double": {8, func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) }},
}

// nrrdTypeAliases maps the spellings allowed by the NRRD format to the
// canonical names above
var nrrdTypeAliases = map[string]string{
	"signed char": "int8", "int8_t": "int8",
	"uchar": "uint8", "unsigned char": "uint8", "uint8_t": "uint8",
	"short": "int16", "short int": "int16", "signed short": "int16", "signed short int": "int16", "int16_t": "int16",
	"ushort": "uint16", "unsigned short": "uint16", "unsigned short int": "uint16", "uint16_t": "uint16",
	"int": "int32", "signed int": "int32", "int32_t": "int32",
	"uint": "uint32", "unsigned int": "uint32", "uint32_t": "uint32",
	"longlong": "int64", "long long": "int64", "long long int": "int64", "signed long long": "int64",
	"signed long long int": "int64", "int64_t": "int64",
	"ulonglong": "uint64", "unsigned long long": "uint64", "unsigned long long int": "uint64", "uint64_t": "uint64",
}

// ReadNRRD reads a 3D NRRD volume with attached data. Geometry is returned
// in LPS patient coordinates.
func ReadNRRD(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	v, err := DecodeNRRD(f)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return v, nil
}

// ReadNRRDLabels reads a NRRD label map such as a zone segmentation.
func ReadNRRDLabels(path string) (*models.LabelVolume, error) {
	v, err := ReadNRRD(path)
	if err != nil {
		return nil, err
	}
	l, err := ToLabels(v)
	if err != nil {
		return nil, pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return l, nil
}

// DecodeNRRD parses a NRRD stream.
func DecodeNRRD(r io.Reader) (*models.Volume, error) {
	br := bufio.NewReader(r)

	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading nrrd magic: %w", err)
	}
	if !strings.HasPrefix(magic, "NRRD000") {
		return nil, fmt.Errorf("not a nrrd file")
	}

	fields := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading nrrd header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		// key:=value pairs are free-form metadata
		if strings.Contains(line, ":=") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed nrrd header line %q", line)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		if err == io.EOF {
			break
		}
	}

	if _, ok := fields["data file"]; ok {
		return nil, fmt.Errorf("detached nrrd data is not supported")
	}
	if _, ok := fields["datafile"]; ok {
		return nil, fmt.Errorf("detached nrrd data is not supported")
	}

	g, err := nrrdGeometry(fields)
	if err != nil {
		return nil, err
	}

	typ := strings.ToLower(fields["type"])
	if alias, ok := nrrdTypeAliases[typ]; ok {
		typ = alias
	}
	scalar, ok := nrrdScalars[typ]
	if !ok {
		return nil, fmt.Errorf("unsupported nrrd type %q", fields["type"])
	}

	var order binary.ByteOrder = binary.LittleEndian
	if strings.ToLower(fields["endian"]) == "big" {
		order = binary.BigEndian
	}

	var data io.Reader = br
	switch enc := strings.ToLower(fields["encoding"]); enc {
	case "raw":
	case "gzip", "gz":
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip nrrd data: %w", err)
		}
		defer zr.Close()
		data = zr
	default:
		return nil, fmt.Errorf("unsupported nrrd encoding %q", enc)
	}

	n := g.Len()
	raw := make([]byte, n*scalar.size)
	if _, err := io.ReadFull(data, raw); err != nil {
		return nil, fmt.Errorf("reading %d nrrd values: %w", n, err)
	}

	v := models.NewVolume(g)
	for i := range v.Data {
		v.Data[i] = scalar.read(raw[i*scalar.size:], order)
	}
	return v, nil
}

// nrrdGeometry returns the spatial grid. A 4D header is accepted when its
// leading axis has length one.
func nrrdGeometry(fields map[string]string) (geometry.Grid, error) {
	var g geometry.Grid

	dim, err := strconv.Atoi(fields["dimension"])
	if err != nil {
		return g, fmt.Errorf("bad nrrd dimension %q", fields["dimension"])
	}
	sizes := strings.Fields(fields["sizes"])
	if len(sizes) != dim {
		return g, fmt.Errorf("nrrd sizes %q do not match dimension %d", fields["sizes"], dim)
	}

	switch dim {
	case 3:
	case 4:
		n, err := strconv.Atoi(sizes[0])
		if err != nil || n != 1 {
			return g, fmt.Errorf("4D nrrd volumes need a leading axis of length 1, got %s", sizes[0])
		}
		sizes = sizes[1:]
	default:
		return g, fmt.Errorf("expected a 3D nrrd volume, got dimension %d", dim)
	}
	for i, s := range sizes {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return g, fmt.Errorf("bad nrrd size %q", s)
		}
		g.Size[i] = n
	}

	g.Direction = geometry.Identity
	g.Spacing = [3]float64{1, 1, 1}

	if sd, ok := fields["space directions"]; ok {
		vectors, err := parseNRRDVectors(sd)
		if err != nil {
			return g, err
		}
		if len(vectors) == dim && dim == 4 {
			vectors = vectors[1:]
		}
		if len(vectors) != 3 {
			return g, fmt.Errorf("expected 3 space directions, got %q", sd)
		}
		for c, vec := range vectors {
			if vec == nil {
				return g, fmt.Errorf("spatial axis %d has no space direction", c)
			}
			norm := math.Sqrt(vec[0]*vec[0] + vec[1]*vec[1] + vec[2]*vec[2])
			if norm == 0 {
				return g, fmt.Errorf("space direction %d has zero length", c)
			}
			g.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				g.Direction[r*3+c] = vec[r] / norm
			}
		}
	} else if sp, ok := fields["spacings"]; ok {
		values := strings.Fields(sp)
		if dim == 4 && len(values) == 4 {
			values = values[1:]
		}
		for i := 0; i < 3 && i < len(values); i++ {
			if s, err := strconv.ParseFloat(values[i], 64); err == nil && s > 0 {
				g.Spacing[i] = s
			}
		}
	}

	if so, ok := fields["space origin"]; ok {
		vectors, err := parseNRRDVectors(so)
		if err != nil || len(vectors) != 1 || vectors[0] == nil {
			return g, fmt.Errorf("bad nrrd space origin %q", so)
		}
		copy(g.Origin[:], vectors[0])
	}

	switch strings.ToLower(fields["space"]) {
	case "", "left-posterior-superior", "lps":
	case "right-anterior-superior", "ras":
		// flip x and y of every physical vector to reach LPS
		for _, r := range []int{0, 1} {
			g.Origin[r] = -g.Origin[r]
			for c := 0; c < 3; c++ {
				g.Direction[r*3+c] = -g.Direction[r*3+c]
			}
		}
	default:
		return g, fmt.Errorf("unsupported nrrd space %q", fields["space"])
	}

	return g, g.Validate()
}

// parseNRRDVectors parses "(a,b,c) none (d,e,f)". A "none" entry yields nil.
func parseNRRDVectors(s string) ([][]float64, error) {
	var out [][]float64
	rest := strings.TrimSpace(s)
	for rest != "" {
		if strings.HasPrefix(rest, "none") {
			out = append(out, nil)
			rest = strings.TrimSpace(rest[len("none"):])
			continue
		}
		if rest[0] != '(' {
			return nil, fmt.Errorf("bad nrrd vector list %q", s)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return nil, fmt.Errorf("unterminated nrrd vector in %q", s)
		}
		var vec []float64
		for _, part := range strings.Split(rest[1:end], ",") {
			f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil, fmt.Errorf("bad nrrd vector component %q", part)
			}
			vec = append(vec, f)
		}
		if len(vec) != 3 {
			return nil, fmt.Errorf("nrrd vector %q is not 3D", rest[:end+1])
		}
		out = append(out, vec)
		rest = strings.TrimSpace(rest[end+1:])
	}
	return out, nil
}

// WriteNRRD writes v as a gzip-encoded float NRRD in LPS coordinates.
func WriteNRRD(path string, v *models.Volume) error {
	raw := make([]byte, 4*len(v.Data))
	for i, x := range v.Data {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(float32(x)))
	}
	return writeNRRDFile(path, v.Grid, "float", raw)
}

// WriteNRRDLabels writes a label map as a gzip-encoded uchar NRRD.
func WriteNRRDLabels(path string, l *models.LabelVolume) error {
	return writeNRRDFile(path, l.Grid, "uchar", l.Data)
}

func writeNRRDFile(path string, g geometry.Grid, typ string, raw []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	if err := EncodeNRRD(f, g, typ, raw); err != nil {
		f.Close()
		return pfx.Err(fmt.Errorf("%s: %w", path, err))
	}
	return pfx.Err(f.Close())
}

// EncodeNRRD writes a NRRD header for grid g followed by the little-endian
// voxel bytes of the given type, gzip-compressed.
func EncodeNRRD(w io.Writer, g geometry.Grid, typ string, raw []byte) error {
	scalar, ok := nrrdScalars[typ]
	if alias, isAlias := nrrdTypeAliases[typ]; isAlias {
		scalar, ok = nrrdScalars[alias]
	}
	if !ok {
		return fmt.Errorf("unsupported nrrd type %q", typ)
	}
	if len(raw) != g.Len()*scalar.size {
		return fmt.Errorf("%d bytes do not fill a %v grid of %s", len(raw), g.Size, typ)
	}

	vec := func(v [3]float64) string {
		parts := make([]string, 3)
		for i, x := range v {
			parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
		}
		return "(" + strings.Join(parts, ",") + ")"
	}
	dirs := make([]string, 3)
	for c := 0; c < 3; c++ {
		var d [3]float64
		for r := 0; r < 3; r++ {
			d[r] = g.Direction[r*3+c] * g.Spacing[c]
		}
		dirs[c] = vec(d)
	}

	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "NRRD0004")
	fmt.Fprintf(bw, "type: %s\n", typ)
	fmt.Fprintln(bw, "dimension: 3")
	fmt.Fprintln(bw, "space: left-posterior-superior")
	fmt.Fprintf(bw, "sizes: %d %d %d\n", g.Size[0], g.Size[1], g.Size[2])
	fmt.Fprintf(bw, "space directions: %s\n", strings.Join(dirs, " "))
	fmt.Fprintln(bw, "kinds: domain domain domain")
	fmt.Fprintln(bw, "endian: little")
	fmt.Fprintln(bw, "encoding: gzip")
	fmt.Fprintf(bw, "space origin: %s\n\n", vec(g.Origin))

	zw := gzip.NewWriter(bw)
	if _, err := zw.Write(raw); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return bw.Flush()
}

// ToLabels converts a volume holding integral zone labels to a label volume.
func ToLabels(v *models.Volume) (*models.LabelVolume, error) {
	l := models.NewLabelVolume(v.Grid)
	for i, x := range v.Data {
		r := math.Round(x)
		if r != x || r < 0 || r >= models.NumZones {
			x, y, z := v.Coords(i)
			return nil, fmt.Errorf("voxel (%d,%d,%d) holds %g, not a zone label", x, y, z, v.Data[i])
		}
		l.Data[i] = uint8(r)
	}
	return l, nil
}
