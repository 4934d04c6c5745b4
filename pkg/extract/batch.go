package extract

import (
	"context"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/blacktop/dscextract/pkg/dsc"
)

// BatchOptions controls a whole-cache extraction.
type BatchOptions struct {
	Output   string
	Force    bool
	Filter   string // substring match on install paths; empty means all
	Jobs     int    // concurrent workers; 0 picks a bound from the fd limit
	Progress bool   // render a progress bar
}

// Outcome records how one image fared. A batch run never stops early for a
// single bad image; the error travels here instead.
type Outcome struct {
	Image  string
	Report *Report
	Err    error
}

// BatchReport is the aggregate result of ExtractAll.
type BatchReport struct {
	Outcomes []Outcome
}

// Failed returns the number of images that could not be extracted.
func (r *BatchReport) Failed() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Warnings returns the total warning count across successful images.
func (r *BatchReport) Warnings() int {
	var n int
	for _, o := range r.Outcomes {
		if o.Report != nil {
			n += o.Report.WarningCount()
		}
	}
	return n
}

// ExtractAll extracts every image matching opts.Filter. Each worker opens
// its own cache handles, so workers share no state and a failure in one
// image never poisons another. Cancelling ctx stops scheduling new images;
// in-flight ones run to completion so no output file is left half written.
func ExtractAll(ctx context.Context, cachePath string, opts BatchOptions) (*BatchReport, error) {
	f, err := dsc.Open(cachePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.Images))
	for _, image := range f.FilterImages(opts.Filter) {
		names = append(names, image.Name)
	}
	subCaches := len(f.SubCacheIDs)
	f.Close()

	if len(names) == 0 {
		return nil, errors.Errorf("no images match %q", opts.Filter)
	}

	jobs, err := workerBudget(opts.Jobs, subCaches)
	if err != nil {
		return nil, err
	}

	var bar *mpb.Bar
	var progress *mpb.Progress
	if opts.Progress {
		progress = mpb.New(mpb.WithWidth(60))
		bar = progress.New(int64(len(names)),
			mpb.BarStyle(),
			mpb.PrependDecorators(
				decor.Name("extracting "),
				decor.CountersNoUnit("%d/%d"),
			),
			mpb.AppendDecorators(decor.Percentage()),
		)
	}

	report := &BatchReport{Outcomes: make([]Outcome, len(names))}
	dispatch(ctx, jobs, names, report, bar, func(name string) (*Report, error) {
		return Extract(cachePath, name, Options{Output: opts.Output, Force: opts.Force})
	})
	if progress != nil {
		progress.Wait()
	}

	return report, nil
}

// dispatch fans the images out over the worker pool. A canceled context
// stops scheduling new images; the ones already running finish so no output
// file is left half written.
func dispatch(ctx context.Context, jobs int, names []string, report *BatchReport, bar *mpb.Bar, run func(string) (*Report, error)) {
	g := new(errgroup.Group)
	g.SetLimit(jobs)
	for idx, name := range names {
		if ctx.Err() != nil {
			report.Outcomes[idx] = Outcome{Image: name, Err: ctx.Err()}
			if bar != nil {
				bar.Increment()
			}
			continue
		}
		g.Go(func() error {
			r, err := run(name)
			report.Outcomes[idx] = Outcome{Image: name, Report: r, Err: err}
			if err != nil {
				log.WithError(err).Errorf("failed to extract %s", name)
			}
			if bar != nil {
				bar.Increment()
			}
			return nil
		})
	}
	g.Wait()
}

// workerBudget bounds worker concurrency by the process's open-file limit.
// Each worker holds the main cache, every sub-cache, the symbols file, and
// its output file open at once.
func workerBudget(requested, subCaches int) (int, error) {
	perWorker := subCaches + 3

	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		if requested > 0 {
			return requested, nil
		}
		return 4, nil
	}

	// leave headroom for stdio, logging, and whatever the runtime holds
	avail := int(lim.Cur) - 16
	maxWorkers := avail / perWorker
	if maxWorkers < 1 {
		return 0, errors.Wrapf(dsc.ErrTooManyOpenFiles,
			"open file limit %d cannot fit one worker needing %d descriptors", lim.Cur, perWorker)
	}

	jobs := requested
	if jobs <= 0 {
		jobs = 4
	}
	if jobs > maxWorkers {
		log.Warnf("lowering jobs from %d to %d to stay under the open file limit (%d)", jobs, maxWorkers, lim.Cur)
		jobs = maxWorkers
	}
	return jobs, nil
}
