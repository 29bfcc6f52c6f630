package preparation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"prostatezones/internal/models"
	"prostatezones/pkg/augment"
	"prostatezones/pkg/geometry"
	"prostatezones/pkg/resample"
	"prostatezones/pkg/visualization"
	"prostatezones/pkg/volumeio"
)

// DefaultSpacing is the working resolution in mm (x, y, z)
var DefaultSpacing = [3]float64{0.5, 0.5, 3.0}

// ProgressCallback reports progress after each finished case
type ProgressCallback func(completed, total int, message string)

// SplitParams says how many samples to produce per case of a split
type SplitParams struct {
	Mode          augment.Mode
	Augmentations int
	// Flips is 1 (as drawn) or 2 (as drawn plus left-right mirrored)
	Flips int
}

// DefaultSplits returns 25 training and 5 validation draws with both flips,
// and a single unflipped sample per test case.
func DefaultSplits() []SplitParams {
	return []SplitParams{
		{Mode: augment.Train, Augmentations: 25, Flips: 2},
		{Mode: augment.Validate, Augmentations: 5, Flips: 2},
		{Mode: augment.Inference, Augmentations: 1, Flips: 1},
	}
}

// Params configures a preparation run.
type Params struct {
	// InputDir holds Train, Validate and Test folders of case folders.
	InputDir string

	// OutputDir receives one folder per split with the .npz archives, or
	// the imagesTr, labelsTr and imagesTs folders of an nnU-Net dataset.
	OutputDir string

	Format Format

	Splits []SplitParams

	// Sequences lists extra sequences besides T2 ("adc", "hbv").
	Sequences []string

	Spacing    [3]float64
	OutputSize [3]int

	// Seed is combined with each case name into a per-case seed.
	Seed uint64

	NumWorkers      int
	SkipFailedCases bool

	// QCDir, when set, receives PNG renderings of the first sample of
	// every case.
	QCDir string
}

// Validate checks the parameters before any case is read.
func (p Params) Validate() error {
	if p.Format != FormatNPZ && p.Format != FormatNNUNet {
		return fmt.Errorf("unknown output format %v", p.Format)
	}
	for _, s := range p.Splits {
		if s.Augmentations < 1 {
			return fmt.Errorf("%v: augmentation count must be at least 1, got %d", s.Mode, s.Augmentations)
		}
		if s.Flips < 1 || s.Flips > 2 {
			return fmt.Errorf("%v: number of flips must be 1 or 2, got %d", s.Mode, s.Flips)
		}
	}
	for i := 0; i < 3; i++ {
		if !(p.Spacing[i] > 0) {
			return fmt.Errorf("spacing %v must be positive", p.Spacing)
		}
		if p.OutputSize[i] < 1 {
			return fmt.Errorf("output size %v must be positive", p.OutputSize)
		}
	}
	return nil
}

// NamedSample is one augmented sample and the archive name it is saved under
type NamedSample struct {
	Name   string
	Aug    int
	Flip   int
	Sample augment.Sample
}

// CaseResult is the outcome of one case
type CaseResult struct {
	Case    Case
	Outputs []string
	Err     error
}

// Preparer runs the preparation pipeline.
type Preparer struct {
	params    Params
	augmenter *augment.Augmenter
	log       zerolog.Logger
	progress  ProgressCallback
}

// NewPreparer creates a preparer. A nil progress callback is allowed.
func NewPreparer(params Params, log zerolog.Logger, progress ProgressCallback) (*Preparer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.NumWorkers < 1 {
		params.NumWorkers = 1
	}
	return &Preparer{
		params:    params,
		augmenter: augment.NewAugmenter(params.OutputSize),
		log:       log.With().Str("component", "preparation").Logger(),
		progress:  progress,
	}, nil
}

// CaseSeed derives the seed of one case from the run seed and its name, so
// a case draws the same samples regardless of worker scheduling.
func CaseSeed(runSeed uint64, split augment.Mode, name string) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%s/%s", runSeed, split, name)
	return h.Sum64()
}

// EachSample resamples a loaded case onto the working grid and hands its
// samples to fn in aug-major, flip-minor order. Only one draw is held at a
// time. seg may be nil for test cases. An error from fn stops the iteration
// and is returned.
func (p *Preparer) EachSample(name string, split SplitParams, images models.CaseImages, seg *models.LabelVolume, seed uint64, fn func(NamedSample) error) error {
	ref := images.T2.Grid
	images = models.CaseImages{
		T2:  images.T2,
		ADC: onto(images.ADC, ref),
		HBV: onto(images.HBV, ref),
	}

	var err error
	images, err = mapErr(images, func(v *models.Volume) (*models.Volume, error) {
		return resample.Resample(v, p.params.Spacing, resample.Linear)
	})
	if err != nil {
		return err
	}

	var center [3]float64
	var box augment.BoundingBox
	if seg != nil {
		seg, err = resample.ResampleLabels(resample.LabelsToReference(seg, ref), p.params.Spacing)
		if err != nil {
			return err
		}
		if center, box, err = augment.CentroidAndBoundingBox(seg); err != nil {
			return err
		}
	} else {
		center, box = augment.GridCentroidAndBoundingBox(images.T2.Grid)
	}

	sampler := augment.NewSampler(split.Mode, seed)
	for aug := 0; aug < split.Augmentations; aug++ {
		d := sampler.Draw(p.params.OutputSize, box)
		s := p.augmenter.Apply(images, seg, center, d, sampler.Source())

		for flip := 0; flip < split.Flips; flip++ {
			if flip == 1 {
				s = augment.FlipLeftRight(s)
			}
			if err := fn(NamedSample{Name: sampleName(name, split.Mode, aug, flip), Aug: aug, Flip: flip, Sample: s}); err != nil {
				return err
			}
		}
	}
	return nil
}

// onto brings an optional sequence onto the T2 grid
func onto(v *models.Volume, ref geometry.Grid) *models.Volume {
	if v == nil {
		return nil
	}
	return resample.ToReference(v, ref, resample.Linear)
}

func sampleName(name string, mode augment.Mode, aug, flip int) string {
	if mode == augment.Inference {
		return name
	}
	return fmt.Sprintf("%s_%d_%d", name, aug, flip)
}

func mapErr(c models.CaseImages, fn func(*models.Volume) (*models.Volume, error)) (models.CaseImages, error) {
	var firstErr error
	out := c.Map(func(v *models.Volume) *models.Volume {
		r, err := fn(v)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return r
	})
	return out, firstErr
}

// Entries returns the archive entries of a sample: the image channels as
// float32 and, when a segmentation is present, one bool mask per zone.
// Arrays are shaped (Z, Y, X).
func Entries(s augment.Sample) []volumeio.Entry {
	var entries []volumeio.Entry
	for _, ch := range s.Images.Channels() {
		entries = append(entries, volumeio.Entry{Name: ch.Name, Array: volumeio.VolumeArray(ch.Volume)})
	}
	if s.Segmentation != nil {
		for _, z := range models.Zones() {
			entries = append(entries, volumeio.Entry{Name: z.ArchiveKey(), Array: volumeio.MaskArray(s.Segmentation.ZoneMask(z))})
		}
	}
	return entries
}

// Process prepares every split. Unless SkipFailedCases is set, the first
// failing case cancels the rest of the run and is returned as the error.
func (p *Preparer) Process(ctx context.Context) ([]CaseResult, error) {
	var cases []Case
	splits := make(map[augment.Mode]SplitParams)
	for _, s := range p.params.Splits {
		found, err := DiscoverCases(p.params.InputDir, s.Mode)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", s.Mode, err)
		}
		p.log.Info().Str("split", s.Mode.String()).Int("cases", len(found)).Msg("discovered cases")
		cases = append(cases, found...)
		splits[s.Mode] = s

		for _, dir := range p.outputDirs(s.Mode) {
			if err := os.MkdirAll(filepath.Join(p.params.OutputDir, dir), 0755); err != nil {
				return nil, fmt.Errorf("failed to create output directory: %w", err)
			}
		}
	}
	if len(cases) == 0 {
		return nil, fmt.Errorf("no cases found in %s", p.params.InputDir)
	}
	if p.params.Format == FormatNNUNet {
		if err := checkNNUNetIDs(cases); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexed struct {
		index int
		res   CaseResult
	}
	jobs := make(chan int)
	resultChan := make(chan indexed)

	var wg sync.WaitGroup
	for w := 0; w < p.params.NumWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				c := cases[i]
				if p.params.Format == FormatNNUNet {
					resultChan <- indexed{i, p.exportCase(ctx, c)}
				} else {
					resultChan <- indexed{i, p.processCase(ctx, c, splits[c.Split])}
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for i := range cases {
			select {
			case jobs <- i:
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
	for i, c := range cases {
		results[i].Case = c
	}
	var firstErr error
	completed := 0
	for r := range resultChan {
		results[r.index] = r.res
		completed++

		c := r.res.Case
		if r.res.Err != nil {
			if firstErr != nil && errors.Is(r.res.Err, context.Canceled) {
				continue
			}
			p.log.Error().Err(r.res.Err).Str("case", c.Name).Str("split", c.Split.String()).Msg("case failed")
			if !p.params.SkipFailedCases && firstErr == nil {
				firstErr = fmt.Errorf("case %s: %w", c.Name, r.res.Err)
				cancel()
			}
		} else {
			p.log.Info().Str("case", c.Name).Str("split", c.Split.String()).Int("files", len(r.res.Outputs)).Msg("case done")
		}
		if p.progress != nil {
			p.progress(completed, len(cases), c.Name)
		}
	}
	return results, firstErr
}

// outputDirs lists the folders a split writes to, relative to OutputDir
func (p *Preparer) outputDirs(m augment.Mode) []string {
	if p.params.Format != FormatNNUNet {
		return []string{SplitDir(m)}
	}
	images, labels := nnunetDirs(m)
	if labels == "" {
		return []string{images}
	}
	return []string{images, labels}
}

// processCase loads, augments and writes one case.
func (p *Preparer) processCase(ctx context.Context, c Case, split SplitParams) CaseResult {
	res := CaseResult{Case: c}
	if res.Err = ctx.Err(); res.Err != nil {
		return res
	}

	images, seg, err := c.Load(p.params.Sequences)
	if err != nil {
		res.Err = err
		return res
	}

	dir := filepath.Join(p.params.OutputDir, SplitDir(c.Split))
	res.Err = p.EachSample(c.Name, split, images, seg, CaseSeed(p.params.Seed, c.Split, c.Name), func(s NamedSample) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(dir, s.Name+".npz")
		if err := volumeio.WriteNPZ(path, Entries(s.Sample)); err != nil {
			return err
		}
		res.Outputs = append(res.Outputs, path)
		p.log.Debug().Str("case", c.Name).Str("split", c.Split.String()).Int("aug", s.Aug).Int("flip", s.Flip).Msg("sample written")

		if p.params.QCDir != "" && len(res.Outputs) == 1 {
			p.saveQC(c, s)
		}
		return nil
	})
	return res
}

// saveQC renders the slices of a sample. QC images never fail a case.
func (p *Preparer) saveQC(c Case, s NamedSample) {
	viewer, err := visualization.NewViewer(s.Sample.Images.T2, s.Sample.Segmentation)
	if err == nil {
		err = viewer.SaveSliceSequence("z", filepath.Join(p.params.QCDir, SplitDir(c.Split), c.Name), s.Name)
	}
	if err != nil {
		p.log.Warn().Err(err).Str("case", c.Name).Msg("failed to save QC slices")
	}
}
