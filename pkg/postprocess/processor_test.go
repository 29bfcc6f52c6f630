package postprocess

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"prostatezones/internal/models"
	"prostatezones/pkg/geometry"
	"prostatezones/pkg/volumeio"
)

// writeReference writes a blank uchar NRRD image on grid g.
func writeReference(t *testing.T, path string, g geometry.Grid) {
	t.Helper()
	header := strings.Join([]string{
		"NRRD0004",
		"type: uchar",
		"dimension: 3",
		"space: left-posterior-superior",
		"sizes: 12 12 6",
		"space directions: (0.5,0,0) (0,0.5,0) (0,0,3)",
		"encoding: raw",
		"space origin: (0,0,0)",
	}, "\n") + "\n\n"
	data := make([]byte, g.Len())
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		t.Fatal(err)
	}
}

func writeProbabilities(t *testing.T, path string, p *models.ProbabilityVolume) {
	t.Helper()
	arr := volumeio.Array{
		Shape: []int{p.Channels, p.Size[2], p.Size[1], p.Size[0]},
		Data:  p.Data,
	}
	if err := volumeio.WriteNPZ(path, []volumeio.Entry{{Name: ProbabilityKey, Array: arr}}); err != nil {
		t.Fatal(err)
	}
}

func TestProcessorRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	in, out := t.TempDir(), t.TempDir()
	g := geometry.NewGrid([3]int{12, 12, 6}, [3]float64{0.5, 0.5, 3})
	for _, name := range []string{"ProstateX-0001", "ProstateX-0002"} {
		writeReference(t, filepath.Join(in, name+".nrrd"), g)
		writeProbabilities(t, filepath.Join(in, name+".npz"), buildProbabilities(g, gland))
	}
	// a stray file with another extension is ignored
	os.WriteFile(filepath.Join(in, "notes.txt"), []byte("x"), 0644)

	var calls int
	p := NewProcessor(Params{
		InputDir:       in,
		OutputDir:      out,
		FileIdentifier: ".nrrd",
		Options:        DefaultOptions(),
		NumWorkers:     2,
		QCDir:          filepath.Join(out, "qc"),
	}, zerolog.Nop(), func(completed, total int, message string) {
		calls++
		if total != 2 {
			t.Errorf("Expected total 2, got %d", total)
		}
	})

	results, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 2 || calls != 2 {
		t.Fatalf("Expected 2 results and 2 progress calls, got %d and %d", len(results), calls)
	}
	if results[0].Name != "ProstateX-0001" {
		t.Errorf("Results not in case order: %s first", results[0].Name)
	}

	arr, err := volumeio.LoadNPY(filepath.Join(out, "ProstateX-0001.npy"))
	if err != nil {
		t.Fatalf("LoadNPY failed: %v", err)
	}
	if len(arr.Shape) != 3 || arr.Shape[0] != 12 || arr.Shape[1] != 12 || arr.Shape[2] != 6 {
		t.Fatalf("Expected shape (12, 12, 6), got %v", arr.Shape)
	}
	labels := arr.Data.([]uint8)
	at := func(x, y, z int) models.Zone { return models.Zone(labels[(x*12+y)*6+z]) }
	if at(3, 3, 2) != models.PZ || at(8, 3, 2) != models.TZ || at(0, 0, 0) != models.Background {
		t.Errorf("Unexpected labels: %v %v %v", at(3, 3, 2), at(8, 3, 2), at(0, 0, 0))
	}

	if _, err := os.Stat(filepath.Join(out, "qc", "ProstateX-0001", "ProstateX-0001_z_000.png")); err != nil {
		t.Errorf("Expected QC slices: %v", err)
	}
}

func TestProcessorFailurePolicy(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	in := t.TempDir()
	g := geometry.NewGrid([3]int{12, 12, 6}, [3]float64{0.5, 0.5, 3})
	writeReference(t, filepath.Join(in, "good.nrrd"), g)
	writeProbabilities(t, filepath.Join(in, "good.npz"), buildProbabilities(g, gland))
	// no probabilities for this one
	writeReference(t, filepath.Join(in, "missing.nrrd"), g)

	params := Params{InputDir: in, OutputDir: t.TempDir(), FileIdentifier: "nrrd", Options: DefaultOptions()}

	if _, err := NewProcessor(params, zerolog.Nop(), nil).Process(context.Background()); err == nil {
		t.Error("Expected the missing case to fail the run")
	}

	params.SkipFailedCases = true
	results, err := NewProcessor(params, zerolog.Nop(), nil).Process(context.Background())
	if err != nil {
		t.Fatalf("Expected the failing case to be skipped, got %v", err)
	}
	if results[0].Err != nil || results[1].Err == nil {
		t.Errorf("Expected only the missing case to fail, got %v / %v", results[0].Err, results[1].Err)
	}

	params.InputDir = t.TempDir()
	if _, err := NewProcessor(params, zerolog.Nop(), nil).Process(context.Background()); err == nil {
		t.Error("Expected an error for an empty input directory")
	}
}

func TestProcessorUpperCaseExtension(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	in, out := t.TempDir(), t.TempDir()
	g := geometry.NewGrid([3]int{12, 12, 6}, [3]float64{0.5, 0.5, 3})
	writeReference(t, filepath.Join(in, "ProstateX-0007.NRRD"), g)
	writeProbabilities(t, filepath.Join(in, "ProstateX-0007.npz"), buildProbabilities(g, gland))

	p := NewProcessor(Params{InputDir: in, OutputDir: out, FileIdentifier: "nrrd", Options: DefaultOptions()}, zerolog.Nop(), nil)
	names, err := p.Cases()
	if err != nil {
		t.Fatalf("Cases failed: %v", err)
	}
	if len(names) != 1 || names[0] != "ProstateX-0007" {
		t.Fatalf("Expected case ProstateX-0007, got %v", names)
	}

	results, err := p.Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if results[0].Err != nil {
		t.Errorf("Reference image with an upper-case extension not read: %v", results[0].Err)
	}
	if _, err := os.Stat(filepath.Join(out, "ProstateX-0007.npy")); err != nil {
		t.Errorf("Expected label output: %v", err)
	}
}
