package postprocess

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"prostatezones/pkg/visualization"
	"prostatezones/pkg/volumeio"
)

// ProbabilityKey is the name of the probability array inside a case archive
const ProbabilityKey = "probabilities"

// ProgressCallback reports progress after each finished case
type ProgressCallback func(completed, total int, message string)

// Params configures a batch postprocess run.
type Params struct {
	// InputDir holds, per case, a reference image <case>.<FileIdentifier>
	// and the model output <case>.npz with a (C, Z, Y, X) probabilities array.
	InputDir string

	// OutputDir receives <case>.npy label volumes of shape (X, Y, Z).
	OutputDir string

	// FileIdentifier is the extension of the reference images, e.g. "nrrd"
	// or "nii.gz".
	FileIdentifier string

	Options Options

	// NumWorkers bounds how many cases are processed at once.
	NumWorkers int

	// SkipFailedCases logs failing cases and carries on instead of
	// aborting the run.
	SkipFailedCases bool

	// QCDir, when set, receives PNG renderings of every output slice.
	QCDir string
}

// CaseResult is the outcome of one case
type CaseResult struct {
	Name   string
	Output string
	Report Report
	Err    error
}

// Processor runs the postprocess pipeline over a directory of cases.
type Processor struct {
	params   Params
	log      zerolog.Logger
	progress ProgressCallback
}

// NewProcessor creates a processor. A nil progress callback is allowed.
func NewProcessor(params Params, log zerolog.Logger, progress ProgressCallback) *Processor {
	if params.NumWorkers < 1 {
		params.NumWorkers = 1
	}
	params.FileIdentifier = strings.TrimPrefix(params.FileIdentifier, ".")
	return &Processor{params: params, log: log.With().Str("component", "postprocess").Logger(), progress: progress}
}

// caseInput is one case and the reference image it was found by
type caseInput struct {
	name      string
	reference string
}

// Cases lists the case names found in the input directory, sorted.
func (p *Processor) Cases() ([]string, error) {
	inputs, err := p.caseInputs()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(inputs))
	for i, in := range inputs {
		names[i] = in.name
	}
	return names, nil
}

// caseInputs matches the reference images case-insensitively on the file
// identifier and keeps their file names as found on disk.
func (p *Processor) caseInputs() ([]caseInput, error) {
	entries, err := os.ReadDir(p.params.InputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read input directory: %w", err)
	}

	suffix := "." + strings.ToLower(p.params.FileIdentifier)
	var inputs []caseInput
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), suffix) {
			inputs = append(inputs, caseInput{
				name:      name[:len(name)-len(suffix)],
				reference: filepath.Join(p.params.InputDir, name),
			})
		}
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].name < inputs[j].name })
	return inputs, nil
}

// Process postprocesses every case. Results come back in case order. Unless
// SkipFailedCases is set, the first failure cancels the remaining cases and
// is returned as the error.
func (p *Processor) Process(ctx context.Context) ([]CaseResult, error) {
	cases, err := p.caseInputs()
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no *.%s reference images found in %s", p.params.FileIdentifier, p.params.InputDir)
	}
	if err := os.MkdirAll(p.params.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type job struct {
		index int
		in    caseInput
	}
	jobs := make(chan job)
	type indexed struct {
		index int
		res   CaseResult
	}
	resultChan := make(chan indexed)

	var wg sync.WaitGroup
	for w := 0; w < p.params.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				resultChan <- indexed{j.index, p.processCase(ctx, j.in)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i, in := range cases {
			select {
			case jobs <- job{i, in}:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]CaseResult, len(cases))
	for i := range results {
		results[i].Name = cases[i].name
	}
	var firstErr error
	completed := 0
	for r := range resultChan {
		results[r.index] = r.res
		completed++

		if r.res.Err != nil {
			if firstErr != nil && errors.Is(r.res.Err, context.Canceled) {
				continue
			}
			p.log.Error().Err(r.res.Err).Str("case", r.res.Name).Msg("case failed")
			if !p.params.SkipFailedCases && firstErr == nil {
				firstErr = fmt.Errorf("case %s: %w", r.res.Name, r.res.Err)
				cancel()
			}
		} else {
			rep := r.res.Report
			p.log.Info().
				Str("case", r.res.Name).
				Int("prostate_voxels", rep.ProstateVoxels).
				Int("urethra_voxels", rep.UrethraVoxels).
				Int("filled_voxels", rep.FilledVoxels).
				Bool("urethra", rep.HasUrethra).
				Msg("case done")
		}
		if p.progress != nil {
			p.progress(completed, len(cases), r.res.Name)
		}
	}

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// processCase reads, postprocesses and writes one case.
func (p *Processor) processCase(ctx context.Context, in caseInput) CaseResult {
	name := in.name
	res := CaseResult{Name: name}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	grid, err := volumeio.ReadGrid(in.reference)
	if err != nil {
		res.Err = fmt.Errorf("reading reference geometry: %w", err)
		return res
	}

	arr, err := volumeio.ReadNPZArray(filepath.Join(p.params.InputDir, name+".npz"), ProbabilityKey)
	if err != nil {
		res.Err = err
		return res
	}
	prob, err := volumeio.ProbabilitiesFromArray(arr, grid)
	if err != nil {
		res.Err = err
		return res
	}

	labels, report, err := Run(prob, p.params.Options)
	if err != nil {
		res.Err = err
		return res
	}
	res.Report = report

	res.Output = filepath.Join(p.params.OutputDir, name+".npy")
	if err := volumeio.SaveNPY(res.Output, volumeio.LabelArrayXYZ(labels)); err != nil {
		res.Err = err
		return res
	}

	if p.params.QCDir != "" {
		viewer, err := visualization.NewViewer(nil, labels)
		if err == nil {
			err = viewer.SaveSliceSequence("z", filepath.Join(p.params.QCDir, name), name)
		}
		if err != nil {
			// QC images never fail a case
			p.log.Warn().Err(err).Str("case", name).Msg("failed to save QC slices")
		}
	}
	return res
}
