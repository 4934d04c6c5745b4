package extract

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/dscextract/pkg/dsc"
	"github.com/pkg/errors"
)

// Options controls a single-image extraction.
type Options struct {
	Output string // destination directory; the image's install path is recreated under it
	Force  bool   // overwrite an existing output file
}

// StageReport is what each pipeline stage returns: how much it patched and
// anything it had to skip. Warnings are non-fatal by definition; a stage
// that cannot continue returns an error instead.
type StageReport struct {
	Name     string
	Patches  int
	Warnings []string
}

func (r *StageReport) Warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.Warnings = append(r.Warnings, msg)
	log.Warn(msg)
}

// Report collects the per-stage reports for one extracted image.
type Report struct {
	Image  string
	Output string
	Stages []StageReport
}

// WarningCount returns the total number of non-fatal issues across stages.
func (r *Report) WarningCount() int {
	var n int
	for _, s := range r.Stages {
		n += len(s.Warnings)
	}
	return n
}

type stageFunc func(*ImageView, *StageReport) error

// Extract reconstructs one image from the cache at cachePath and writes it
// under opts.Output. It opens its own handles to the cache so concurrent
// callers share nothing.
func Extract(cachePath, imageName string, opts Options) (*Report, error) {
	f, err := dsc.Open(cachePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := f.Image(imageName)
	if err != nil {
		return nil, err
	}

	if err := f.ParseLocalSyms(); err != nil && !errors.Is(err, dsc.ErrNoLocals) {
		return nil, err
	}

	return extractImage(f, image, opts)
}

// extractImage runs the pipeline over an already-opened cache. The stages
// are strictly sequential; each depends on the pointers and tables the
// previous one committed to the view.
func extractImage(f *dsc.File, image *dsc.CacheImage, opts Options) (*Report, error) {
	report := &Report{Image: image.Name}

	view, err := NewImageView(f, image)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build view of %s", image.BaseName())
	}

	stages := []struct {
		name string
		fn   stageFunc
	}{
		{"rebase", applyRebases},
		{"linkedit", rebuildLinkedit},
		{"stubs", resolveStubs},
		{"objc", repairObjC},
	}

	for _, stage := range stages {
		sr := StageReport{Name: stage.name}
		log.WithFields(log.Fields{
			"image": image.BaseName(),
			"stage": stage.name,
		}).Info("extracting")
		if err := stage.fn(view, &sr); err != nil {
			return nil, errors.Wrapf(err, "%s stage failed for %s", stage.name, image.BaseName())
		}
		report.Stages = append(report.Stages, sr)
	}

	sr := StageReport{Name: "layout"}
	plan, size, err := planLayout(view, &sr)
	if err != nil {
		return nil, errors.Wrapf(err, "layout stage failed for %s", image.BaseName())
	}
	report.Stages = append(report.Stages, sr)

	out := filepath.Join(opts.Output, image.Name)
	if err := writePlan(f, plan, size, out, opts.Force); err != nil {
		return nil, err
	}
	report.Output = out

	log.WithFields(log.Fields{
		"image":    image.BaseName(),
		"output":   out,
		"warnings": report.WarningCount(),
	}).Info("extracted")

	return report, nil
}

// applyRebases decodes the slide tables covering the view's data segments
// and writes the recovered author-time pointer values into the view. No new
// slide is applied; the output image is unshared, so the canonical unslid
// values are what belongs on disk.
func applyRebases(v *ImageView, sr *StageReport) error {
	f := v.Cache()

	for _, seg := range v.Segments() {
		uuid, mapping, err := f.GetMappingForAddress(seg.Addr)
		if err != nil {
			continue // synthetic segment, nothing to rebase
		}
		if mapping.SlideInfo == nil {
			continue
		}

		rebases, err := f.RebasesForRange(uuid, mapping, seg.Addr, seg.Size)
		if err != nil {
			return err
		}
		for _, rb := range rebases {
			if !seg.Contains(rb.CacheVMAddress) {
				continue
			}
			if err := patchRebase(v, rb); err != nil {
				return err
			}
			sr.Patches++
		}
	}

	return nil
}

// patchRebase writes a decoded slot back at its own width. The v1 and v4
// tables describe 32-bit slots; writing those as 64-bit values would clobber
// the adjacent four bytes.
func patchRebase(v *ImageView, rb dsc.Rebase) error {
	if rb.Width == 4 {
		return v.PatchUint32(rb.CacheVMAddress, uint32(rb.Target))
	}
	return v.PatchUint64(rb.CacheVMAddress, rb.Target)
}
