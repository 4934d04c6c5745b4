package extract

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/blacktop/dscextract/pkg/dsc"
)

const copyChunk = 1 << 20

// writePlan materializes a layout plan at out. The file is created at its
// final size first, then every copy procedure writes into its own disjoint
// range, so re-running a successful extraction reproduces the same bytes.
func writePlan(f *dsc.File, plan []CopyProc, size uint64, out string, force bool) error {
	if !force {
		if _, err := os.Stat(out); err == nil {
			return errors.Errorf("%s already exists (use --force to overwrite)", out)
		}
	}

	if err := os.MkdirAll(filepath.Dir(out), 0o750); err != nil {
		return errors.Wrap(err, "failed to create output directory")
	}

	of, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", out)
	}
	defer of.Close()

	if err := of.Truncate(int64(size)); err != nil {
		return errors.Wrapf(err, "failed to size %s", out)
	}

	buf := make([]byte, copyChunk)
	for _, proc := range plan {
		switch proc.Kind {
		case SourceView:
			if _, err := of.WriteAt(proc.Buf[:proc.Len], int64(proc.DstOffset)); err != nil {
				return errors.Wrapf(err, "failed to write %s", out)
			}
		case SourceCache:
			if err := copyFromCache(f, of, proc, buf); err != nil {
				return errors.Wrapf(err, "failed to write %s", out)
			}
		}
	}

	return of.Close()
}

// copyFromCache streams one untouched segment from its backing cache file
// into the output in fixed-size chunks.
func copyFromCache(f *dsc.File, of *os.File, proc CopyProc, buf []byte) error {
	var done uint64
	for done < proc.Len {
		n := uint64(len(buf))
		if proc.Len-done < n {
			n = proc.Len - done
		}
		if _, err := f.ReadAt(proc.UUID, buf[:n], int64(proc.SrcOffset+done)); err != nil {
			return errors.Wrapf(err, "short read from %s at %#x", f.CachePath(proc.UUID), proc.SrcOffset+done)
		}
		if _, err := of.WriteAt(buf[:n], int64(proc.DstOffset+done)); err != nil {
			return err
		}
		done += n
	}
	return nil
}
